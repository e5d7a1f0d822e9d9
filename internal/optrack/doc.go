// Package optrack records the lifecycle and timing of operations and keeps
// SLA compliance bookkeeping.
//
// Lifecycle:
//
//	queued -> processing -> completed
//	                     -> retrying -> processing ...
//	                     -> failed
//
// Crisis operations may additionally enter crisis_escalated or
// emergency_bypass. Completed and failed are terminal.
//
// Mutations of one operation are serialized by a per-ID lock. Terminal
// non-crisis operations are pruned after Config.Retention; crisis
// operations are kept for Config.CrisisRetention for audit.
package optrack
