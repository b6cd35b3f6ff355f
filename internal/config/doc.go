// Package config handles configuration loading for opamp-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Everything has a default, so an empty file is valid.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path given with --config
//  2. Path from the OPAMP_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/opamp-gateway/config.yaml or ~/.config/opamp-gateway/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  redis_password: "${OPAMP_REDIS_PASSWORD}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  failure_cooldown: "5m"
//
// heartbeat_timeout defaults to three heartbeat intervals.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:4320"   # agent websocket, admin API, metrics
//	  grpc_addr: "0.0.0.0:4321"   # gRPC health service (optional)
//
// Database:
//
//	database:
//	  driver: sqlite               # sqlite, redis or memory
//	  path: "/var/lib/opamp/gateway.db"
//	  redis_addr: "localhost:6379"
//
// Push delivery:
//
//	agents:
//	  push_timeout: "30s"
//	  max_push_attempts: 5
//	  backoff_initial: "1s"
//	  backoff_max: "30s"
//	  sweep_schedule: "@every 30s"
//	  supersede_policy: immediate  # or after_ack
//
// Seed document and fleet events:
//
//	seed:
//	  path: "/etc/opamp/seed.yaml"
//	  watch: true
//	events:
//	  nats_url: "nats://localhost:4222"
//	  subject_prefix: "opamp.fleet"
package config
