// Package agent manages connections to remote collector agents.
//
// # Overview
//
// The agent package owns the live channel to every connected collector: it
// performs the handshake, decodes inbound messages, serializes outbound
// messages and enforces that each agent identity holds exactly one
// connection at a time.
//
// # Manager
//
// The Manager tracks all connected agents:
//
//	mgr := agent.NewManager(logger, metrics)
//
// Key operations:
//
//   - Register(conn): install a connection, closing any previous one
//   - Unregister(conn): remove a connection only if it is still current
//   - GetAgent(id): look up the live connection for an agent
//   - CloseAgent(id, reason): force a connection closed
//
// # Connection
//
// Connection wraps a Transport with a single writer goroutine. Send only
// enqueues, so callers never interleave partial writes and messages reach
// the agent in call order.
//
// # Status Correlation
//
// The push dispatcher registers interest in a content hash before sending
// a ConfigUpdate:
//
//  1. AwaitStatus(hash) returns a channel
//  2. the ConfigUpdate is sent
//  3. the serve loop routes the matching ConfigStatus to the channel
//  4. CancelAwait(hash, ch) releases it, unless a newer waiter replaced it
//
// Status reports nobody is waiting for are recorded in the registry as the
// agent's reported configuration.
//
// # Handshake
//
// The first message on a connection must be an AgentDescription, received
// within the handshake timeout. The Handler then registers the agent,
// answers with Welcome and notifies the reconciler.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use.
package agent
