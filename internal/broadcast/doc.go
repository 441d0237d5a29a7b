// Package broadcast fans messages and join notices out to the participants
// that share a location group.
//
// # Overview
//
// The relay never stores message bodies. A message from one participant is
// rendered once and sent, as a fresh message, to every other member of the
// sender's group. A join notice is sent the same way when a participant
// reports a location. The Broadcaster owns neither the directory nor the
// transport: it reads groups through a Resolver and delivers through a
// chat.Sender, so both can be replaced in tests.
//
// # Architecture
//
//	┌──────────────┐   Peers / Others   ┌───────────────┐
//	│  Directory   │ ◀───────────────── │  Broadcaster  │
//	└──────────────┘                    └───────┬───────┘
//	                                            │ one goroutine per recipient
//	                          ┌─────────────────┼─────────────────┐
//	                          ▼                 ▼                 ▼
//	                     Sender.Send       Sender.Send       Sender.Send
//	                          │                 │                 │
//	                          ▼                 ▼                 ▼
//	                  Recorder.Record   Recorder.Record   (denied: counted)
//
// # Delivery Model
//
// Fan-out is best effort:
//   - Each recipient gets exactly one attempt, no retries
//   - A failed recipient never cancels or delays its siblings
//   - Denied deliveries (a blocked or gone recipient) are logged at debug
//   - Other failures are logged at warn
//   - The caller only ever sees a Report; no error is returned
//
// Successful deliveries are reported to the Recorder so the retention layer
// can delete them later.
//
// # Message Format
//
// Relayed messages are markdown:
//
//	__**u__3f2a9c01be44d7a**__
//	```
//	first line of the quoted message
//	last line of the quoted message
//	```
//	the new text, cut to 200 runes
//
// The quote block only appears when the message is a reply and the quoted
// text has at least one non-blank line.
//
// # Join Scope
//
// ScopeCluster, the default, sends join notices only to the joiner's group,
// the same audience Dispatch uses. ScopeGlobal announces the joiner to every
// other registered chat. The joiner is excluded in both scopes.
//
// # Concurrency
//
// A Broadcaster is safe for concurrent use. It holds no state of its own
// beyond configuration; every batch gets its own errgroup and tally. The
// number of in-flight sends per batch is capped by Options.Concurrency.
//
// # Metrics
//
// Each delivery increments tchaka_deliveries_total{kind,outcome} and each
// batch observes tchaka_fanout_duration_seconds{kind}. A nil Metrics disables
// both.
package broadcast
