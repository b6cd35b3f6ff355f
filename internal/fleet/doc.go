// Package fleet defines the shared domain model of the control plane.
//
// # Overview
//
// The types in this package are plain values passed between the
// configuration store, the topology directory, the agent registry and the
// reconciler. None of them carry behavior beyond small derivations such as
// Agent.Phase; ownership of each record lives in the component that
// mutates it.
//
// # Entities
//
//   - Configuration: one immutable version of a named collector config
//   - Environment: a named set of template variables
//   - Group: binds agents (by selector or static list) to a configuration
//     and an environment
//   - Agent: the registry's view of a remote collector
//   - PushAttempt: the single outstanding delivery for an agent
//
// # Errors
//
// Failures are classified with typed errors that callers inspect with
// errors.As:
//
//	var verr *fleet.ValidationError
//	if errors.As(err, &verr) {
//	    // 400
//	}
//
// ErrNotFound and ErrStoreUnavailable are sentinels matched with errors.Is.
package fleet
