// ABOUTME: Agent-side tunnel responder: answers tunnel requests by fetching from a local base URL
// ABOUTME: Streams response bodies back as fixed-size chunks with the last one flagged

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/2389/coven-hub/internal/metrics"
)

const (
	// DefaultChunkSize is the body size carried by one response chunk.
	DefaultChunkSize = 32 * 1024

	defaultRetryMax = 2
)

// ClientLink is the part of the agent-side client the responder needs.
type ClientLink interface {
	Name() string
	Binary(ctx context.Context) <-chan []byte
	SendBinary(data []byte)
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	// Target is the base URL requests are resolved against.
	Target    string
	ChunkSize int
	RetryMax  int
	Timeout   time.Duration
}

// Responder serves tunnel requests arriving on an agent connection.
type Responder struct {
	link      ClientLink
	target    string
	chunkSize int
	http      *retryablehttp.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewResponder validates cfg and creates a Responder.
func NewResponder(link ClientLink, cfg ResponderConfig, logger *slog.Logger, m *metrics.Metrics) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("proxy target must be an http(s) URL, got %q", cfg.Target)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	logger = logger.With("component", "tunnel_responder")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = logger
	// Hand non-2xx answers back to the caller instead of an error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Responder{
		link:      link,
		target:    strings.TrimRight(u.String(), "/"),
		chunkSize: cfg.ChunkSize,
		http:      client,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Run serves requests until ctx is done or the link stops.
func (r *Responder) Run(ctx context.Context) error {
	frames := r.link.Binary(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-frames:
			if !ok {
				return nil
			}
			msg, err := Decode(data)
			if err != nil {
				r.logger.Warn("dropping undecodable tunnel frame", "error", err)
				continue
			}
			req, ok := msg.(Request)
			if !ok {
				r.logger.Debug("ignoring tunnel response sent to an agent")
				continue
			}
			go r.Serve(ctx, req)
		}
	}
}

// Serve answers one request.
func (r *Responder) Serve(ctx context.Context, req Request) {
	log := r.logger.With("request_id", req.RequestID, "path", req.Path)

	resp, err := r.fetch(ctx, req.Path)
	if err != nil {
		log.Warn("tunnel fetch failed", "error", err)
		r.send(Response{
			RequestID:   req.RequestID,
			Status:      http.StatusBadGateway,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(err.Error()),
			IsLast:      true,
		})
		r.metrics.TunnelRequest("upstream_error", 0)
		return
	}
	defer resp.Body.Close()

	total := r.stream(resp, req.RequestID, log)
	log.Debug("tunnel request served", "status", resp.StatusCode, "bytes", total)
	r.metrics.TunnelRequest("served", total)
}

func (r *Responder) fetch(ctx context.Context, path string) (*http.Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.target+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	return resp, nil
}

// stream sends resp's body as chunks and returns the bytes sent. A body
// that is an exact multiple of the chunk size ends with an empty last chunk.
func (r *Responder) stream(resp *http.Response, reqID uint32, log *slog.Logger) int {
	contentType := resp.Header.Get("Content-Type")
	status := uint16(resp.StatusCode)

	buf := make([]byte, r.chunkSize)
	total := 0
	for {
		n, err := io.ReadFull(resp.Body, buf)
		last := err != nil
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			log.Warn("reading upstream body failed, truncating response", "error", err)
		}

		r.send(Response{
			RequestID:   reqID,
			Status:      status,
			ContentType: contentType,
			Body:        buf[:n],
			IsLast:      last,
		})
		total += n
		if last {
			return total
		}
	}
}

func (r *Responder) send(resp Response) {
	resp.From = r.link.Name()
	data, err := EncodeResponse(resp)
	if err != nil {
		r.logger.Error("failed to encode tunnel response", "request_id", resp.RequestID, "error", err)
		return
	}
	r.link.SendBinary(data)
}
