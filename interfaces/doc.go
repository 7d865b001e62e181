// Package interfaces defines the shared contracts of the recovery service.
//
// It contains four groups of declarations:
//
//   - Entity types (Setup, ShardRecord, Guardian, Attempt, Challenge,
//     Approval, AuditEntry) with their lifecycle enums and invariants.
//
//   - Persistence contracts: one narrow store interface per entity plus the
//     aggregated Store, and the content-addressed BlobBackend used for
//     sealed shard payloads.
//
//   - Collaborator contracts for everything the core deliberately does not
//     implement: the delayed-task Scheduler, the best-effort Notifier, the
//     Clock, and the read-only RiskSignalProvider.
//
//   - The error taxonomy: sentinel errors, ValidationError,
//     RateLimitedError, and the ErrorKind classification used at the API
//     boundary.
//
// Components depend on this package and never on each other's concrete
// types, keeping the ownership graph explicit: a Setup owns its Shards and
// Guardians, an Attempt owns its Challenges and Approvals.
package interfaces
