// Package config handles configuration loading for coven-hub and fake-agent.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/hub.yaml
//  3. ~/.config/coven/hub.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  reply_timeout: "10s"
//	agent:
//	  reconnect_delay: "1s"
//	  max_delay: "30s"
//	tunnel:
//	  request_timeout: "30s"
//	  dedupe_ttl: "5m"
//
// # Configuration Sections
//
//	hub:
//	  name: "hub"                 # from field of hub envelopes
//	server:
//	  http_addr: "0.0.0.0:8080"   # /ws, /health, /agents, proxy, /metrics
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1
//	  ws_path: "/ws"
//	agent:
//	  id: "agent-1"
//	  url: "ws://localhost:8080/ws"
//	  headers:
//	    X-Agent-Token: "${AGENT_TOKEN}"
//	  proxy_target: "http://localhost:3000"
//	  chunk_size: 32768
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Load applies defaults but does not validate. The hub calls Validate and
// agents call ValidateAgent.
package config
