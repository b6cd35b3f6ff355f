// Package gateway orchestrates the opamp-gateway server components.
//
// # Overview
//
// The gateway package wires the control plane together and owns its
// lifecycle: the store, configuration store, topology directory, agent
// registry, connection manager, reconciler and push dispatcher, plus the
// HTTP and gRPC servers that expose them.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// New opens the store and loads every component's records. Start launches
// the reconciler, applies the seed document and begins health probing; Run
// does that and then serves on the configured listeners. Shutdown stops
// triggers first, gives in-flight pushes the drain timeout to resolve,
// closes agent channels and finally closes the store.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /v1/opamp - Agent channel (websocket)
//   - GET /api/v1/status - Fleet summary
//   - GET /api/v1/events - Fleet events (SSE, filter with ?kind=a,b)
//   - GET|POST /api/v1/configurations - List or create configurations
//   - POST /api/v1/configurations/versions - Add a version to a configuration
//   - GET /api/v1/configurations/{id} - Get one version
//   - POST /api/v1/configurations/{id}/activate - Activate a version
//   - POST /api/v1/configurations/{id}/archive - Archive a version
//   - GET|POST /api/v1/environments, GET|PATCH /api/v1/environments/{id}
//   - GET|POST /api/v1/groups, GET|PATCH /api/v1/groups/{id}
//   - GET|POST /api/v1/agents - List or pre-register agents
//   - GET|DELETE /api/v1/agents/{id} - Inspect or retire an agent
//   - POST /api/v1/agents/{id}/retry - Re-evaluate an agent now
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//   - GET /metrics - Prometheus metrics, when enabled
//
// Errors are JSON objects with an "error" field. Validation errors map to
// 400, conflicts to 409, missing records to 404, an unreachable store to
// 503 and agent delivery failures to 502.
//
// # gRPC
//
// When server.grpc_addr is set, the standard gRPC health service is served
// there. It reports SERVING while the store answers pings.
package gateway
