// ABOUTME: Minimal fake agent for E2E testing: connects over WebSocket, answers requests, serves the HTTP tunnel.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws] [-id e2e-echo-agent] [-target http://localhost:3000] [-config agent.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-hub/internal/client"
	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/logging"
	"github.com/2389/coven-hub/internal/transport"
	"github.com/2389/coven-hub/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "", "Agent config file (YAML or TOML)")
	url := flag.String("url", "", "Hub WebSocket URL (overrides config)")
	agentID := flag.String("id", "", "Agent ID (overrides config)")
	target := flag.String("target", "", "Local base URL served through the tunnel (overrides config)")
	level := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Agent.URL = *url
	}
	if *agentID != "" {
		cfg.Agent.ID = *agentID
	}
	if *target != "" {
		cfg.Agent.ProxyTarget = *target
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}
	if err := cfg.ValidateAgent(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(cfg.Logging, os.Stderr)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads path when given, otherwise starts from defaults aimed
// at a local hub.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Parse([]byte("agent:\n  id: e2e-echo-agent\n  url: ws://localhost:8080/ws\n"), false)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := client.Dial(transport.Config{
		URL:            cfg.Agent.URL,
		Headers:        cfg.Agent.Headers,
		ReconnectDelay: cfg.Agent.ReconnectDelay,
		MaxDelay:       cfg.Agent.MaxDelay,
	}, client.Config{Name: cfg.Agent.ID}, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	eg, ctx := errgroup.WithContext(ctx)

	connected := c.Connected(ctx)
	messages := c.Messages(ctx)

	if cfg.Agent.ProxyTarget != "" {
		responder, err := tunnel.NewResponder(c, tunnel.ResponderConfig{
			Target:    cfg.Agent.ProxyTarget,
			ChunkSize: cfg.Agent.ChunkSize,
		}, logger, nil)
		if err != nil {
			return err
		}
		eg.Go(func() error { return quiet(responder.Run(ctx)) })
		logger.Info("serving tunnel requests", "target", cfg.Agent.ProxyTarget)
	}

	eg.Go(func() error { return quiet(c.Run(ctx)) })

	// Announce ourselves on every (re)connect so the hub maps this peer.
	eg.Go(func() error {
		for up := range connected {
			if !up {
				continue
			}
			if err := c.Send(envelope.Message{
				Kind:   "register",
				Fields: map[string]any{"capabilities": []string{"echo", "ping", "tunnel"}},
			}); err != nil {
				logger.Error("failed to register", "error", err)
			}
		}
		return nil
	})

	eg.Go(func() error {
		for env := range messages {
			answer(c, env, logger)
		}
		return nil
	})

	return eg.Wait()
}

// answer replies to one request from the hub.
func answer(c *client.Client, env *envelope.Envelope, logger *slog.Logger) {
	logger.Info("received message", "kind", env.Kind, "id", env.ID)

	var reply envelope.Message
	switch env.Kind {
	case "ping":
		reply = envelope.Reply(env.ID, "pong", nil)
	case "echo":
		var fields struct {
			Text string `json:"text"`
		}
		if err := env.Decode(&fields); err != nil {
			reply = envelope.ErrorReply(env.ID, "invalid echo request: "+err.Error())
			break
		}
		reply = envelope.Reply(env.ID, "echo-rs", map[string]string{"text": echoText(fields.Text)})
	default:
		if env.RequestID() != "" {
			// Replies and error-rs from the hub need no answer.
			return
		}
		reply = envelope.ErrorReply(env.ID, "unsupported kind: "+env.Kind)
	}

	if err := c.Send(reply); err != nil {
		logger.Error("failed to send reply", "kind", reply.Kind, "error", err)
	}
}

func echoText(input string) string {
	if strings.TrimSpace(input) == "" {
		return "Echo: (empty)"
	}
	return "Echo: " + input
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
