// Package retention tracks the message ids delivered into each chat and
// deletes them, best effort, when the chat leaves.
//
// # Overview
//
// The relay promises that a participant who stops leaves as little behind
// as possible. Two pieces make that work:
//
//	Ledger   remembers which message ids landed in which chat
//	Purger   deletes those ids through the transport when the chat stops
//
// Neither piece knows anything about groups or participants. The ledger is
// fed through chat.Recorder by the broadcaster and by the command handlers,
// and the purger is driven by the stop command.
//
// # Purge Targets
//
// Targets turns a chat's history into the ids to try:
//
//	tracked ids       [4, 9]          → 4 5 6 9 10 11
//	no tracked ids,   command id 12   → 1 2 … 11   (lookback 30, clamped at 1)
//
// With tracked ids every id is followed by the two after it, which covers a
// stop command and its goodbye reply that nobody tracked. Without tracked
// ids the lookback range ending just before the command is tried instead.
//
// # Purge Execution
//
//	settle delay
//	     │
//	     ▼
//	┌──────────┐ deleted      ┌─────────┐
//	│  Delete  │─────────────▶│  pause  │──▶ next id
//	└────┬─────┘ not found    └─────────┘
//	     │       (count, stop at MaxNotFound in a row)
//	     │ other error
//	     ▼
//	   abort
//
// A purge never returns an error. Partial completion is a normal outcome;
// the Report and the tchaka_purges_total{reason} counter say how it ended.
// Cancelling the context ends the purge at the next delay.
//
// # Ledger
//
// MemoryLedger keeps every chat's ids sorted and unique under one mutex.
// Ids that are zero or negative are ignored. Drop hands the history over
// and forgets it in one step.
//
// # Configuration
//
//	purge-settle       wait before the first deletion   (default 1s)
//	purge-pause        wait after every attempt          (default 50ms)
//	purge-max-not-found consecutive not-found to give up (default 10)
//	purge-lookback     ids tried without history         (default 30)
package retention
