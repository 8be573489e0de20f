// Package group owns the group lifecycle: creation, welcome processing,
// commit application, membership confirmation, and the MLS↔Nostr group-id
// map persisted in group_information.
//
// # Admin policy
//
// Only members of a group's admin set may issue commits that add or remove
// other members; a commit whose only removal is its own committer is a
// leave and is always allowed. Violating commits are rejected with
// ErrAdminPolicy and quarantined by the pipeline.
//
// # Commit publication
//
// Commit-producing operations (add/remove members, leave) snapshot the MLS
// state before committing. A commit that reaches no relay restores the
// snapshot and returns ErrCommitFailed, so local state never runs ahead of
// the wire.
//
// # Forks
//
// When two conflicting commits claim the same epoch the provider reports
// an epoch fork; the engine freezes the group and refuses further sends
// until resynchronized.
//
// # Membership lifecycle
//
// A processed welcome creates the group row and a pending membership.
// Accepting confirms it; declining keeps the row (hidden by UIs) and still
// emits a leave commit so the remaining members' roster stays consistent.
// Self-removal marks the group inactive with history retained.
package group
