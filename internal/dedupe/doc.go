// Package dedupe remembers recently finished keys for a bounded time so
// that late or repeated traffic for them can be recognized and dropped.
package dedupe
