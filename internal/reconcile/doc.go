// Package reconcile drives every agent toward its desired configuration.
//
// The Reconciler consumes triggers (connections, configuration
// activations, group and environment edits, manual retries and the
// periodic sweep), resolves the affected agents' desired state through the
// topology directory and asks the registry whether a push is needed. New
// push attempts go to the Dispatcher, which delivers a ConfigUpdate, waits
// for the matching ConfigStatus and retries with jittered exponential
// backoff until the attempt is acknowledged, superseded or exhausted.
//
// Evaluation of one agent is serialized by a per-agent lock, and the
// Dispatcher never overlaps two runs for the same agent.
package reconcile
