// Package admin is the administrative facade over the fleet.
//
// # Overview
//
// Service is the only way configurations, environments, groups and agent
// records change after startup. Every mutation is applied to the owning
// component first and then handed to the reconciler as a trigger, and a
// fleet event is emitted for observers.
//
// # Operations
//
// Configurations:
//
//   - CreateConfig, NewConfigVersion: store drafts, optionally activating
//   - ActivateConfig, ArchiveConfig: change which version agents follow
//
// Topology:
//
//   - CreateEnvironment, UpdateEnvironment
//   - CreateGroup, UpdateGroup
//
// Agents:
//
//   - ListAgents, GetAgent, PreRegisterAgent, RetireAgent, RetryAgent
//
// FleetStatus summarizes the whole fleet for dashboards and health checks.
package admin
