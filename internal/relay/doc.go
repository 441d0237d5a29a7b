// Package relay implements the chat commands of the service on top of the
// directory, broadcaster and purger.
//
// # Overview
//
// A Service receives inbound updates from a transport binding (the websocket
// gateway in this repository) and turns each one into directory changes,
// fan-out batches and replies. It holds no connection state; everything it
// sends goes through the chat.Transport it was built with.
//
// # Command Flow
//
// A chat goes through four steps:
//
//	start/help  reply with the welcome or help text
//	location    get a pseudonym, join a location group, notify the group
//	text        relay to the group, or hint that a location is needed
//	stop        say goodbye, leave the directory, purge the chat history
//
// The location step looks like this:
//
//	inbound location
//	      │
//	      ▼
//	┌──────────────┐ keep existing  ┌──────────────┐
//	│ pseudonym?   │───────────────▶│  Register    │── invalid ──▶ ErrValidation
//	└──────────────┘ or derive new  └──────┬───────┘
//	                                       │ group size
//	                                       ▼
//	                                ┌──────────────┐
//	                                │  NotifyJoin  │ one notice per peer,
//	                                └──────┬───────┘ in the peer's language
//	                                       ▼
//	                                 location reply
//
// # Pseudonyms
//
// A new pseudonym is derived from the sender's display name and chat id by
// the pseudonym.Generator. Once a chat is registered it keeps its pseudonym
// when it reports a new location. Display names are never stored.
//
// # Message Tracking
//
// Every message id that lands in a chat is recorded in the ledger: inbound
// commands, replies, and fan-out deliveries to registered chats. Two are
// deliberately left out, the stop command and the goodbye reply, because the
// purge already covers the two ids following each tracked one. A chat that
// stops without any tracked history is purged by the lookback range instead.
//
// Fan-out deliveries are only recorded while the recipient is still in the
// directory, and a stop drops whatever was recorded while its purge ran. A
// departed chat therefore never keeps a ledger entry.
//
// # Languages
//
// Replies use the language tag of the inbound update. Join notices go to
// other chats, so the Service remembers the last tag each chat wrote in and
// renders every notice in its recipient's language, falling back to
// locale.DefaultLanguage.
//
// # Disconnects
//
// A closed connection leaves the directory the same way stop does but skips
// the purge: the chat can no longer receive deletions.
//
// # Errors
//
// Command methods return an error only for the caller to report back to the
// same chat: a wrapped chat.ErrValidation for bad input, or a reply that
// could not be delivered. Fan-out and purge failures are logged and counted,
// never returned.
package relay
