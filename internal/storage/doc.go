// Package storage persists what outlives a process: the processing history
// (an append-only audit trail of finished events) and the notifier's dedup
// windows.
//
// Two drivers exist: "file" (JSON Lines, no dependencies) and "sqlite".
package storage
