// Package registry holds the current value of every exported metric identity.
// It is the only state shared between the scheduler (writer) and the scrape
// server (reader).
//
// Writes copy the identity map and publish the copy through an atomic
// pointer, so Snapshot never takes a lock and never observes a partially
// applied Update. Jobs that crossed the failure threshold are hidden with
// SetAvailable(job, false); their values stay in place until the job
// recovers. Optional stale eviction (Evict, Run) drops identities that
// stopped being refreshed.
package registry
