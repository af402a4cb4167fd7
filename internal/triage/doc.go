// Package triage is the notification triage pipeline. It defines the
// Service (ingest, feedback, digests, policy pass-through), the pure
// Classify rule engine, the Policies owner, the Ledger and DigestBuilder,
// the Store interfaces persistence backends implement, and domain models.
package triage
