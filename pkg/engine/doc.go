// Package engine provides the types and interfaces shared by the stratus
// planner, the operation runner and the stores.
//
// # Workflow
//
// An operation goes through three steps:
//
//  1. Resolve - the project is resolved into inputs, hashes and validation
//     results (package resolvers)
//  2. Plan - instances are selected and ordered into phases (package planner)
//  3. Execute - phases run in sequence against a UnitApplier (package
//     operation)
//
// # Core Types
//
//   - Plan: ordered phases of an operation
//   - Phase: instances processed with the same action (destroy, preview,
//     update, refresh)
//   - PhaseInstance: a selected instance with its selection message, in-phase
//     dependencies and planned hashes
//   - Operation: the persisted record of a launched plan
//   - InstanceOperation: the progress of one instance within a phase
//   - Event: an append-only log entry of an operation
//
// # Operation Lifecycle
//
//	pending -> running -> (failing) -> completed | failed | cancelled
//
// failing is entered when an instance fails while other instances are still
// being processed. OperationStatus.Transition rejects any other move.
//
// # Storage Interfaces
//
//   - StateStore: last-applied instance state, read by the hash and
//     validation resolvers and written after each apply
//   - OperationStore: operations and instance progress
//   - EventStore: operation logs
//
// # Error Classification
//
// Errors raised by the planner and the runner are EngineError values:
//
//   - Transient: temporary failures that may succeed on retry
//   - Conflict: state conflicts requiring a retry
//   - Permanent: malformed requests and missing instances
//
// Use errors.Is with an EngineError carrying the same class and code, or the
// IsTransient, IsConflict and IsPermanent helpers.
package engine
