// Package directory owns the authoritative participant table and the location
// groups computed over it.
//
// # Overview
//
// The directory maps a pseudonym to its chat binding and last reported
// coordinate. Every registration recomputes the location groups from scratch
// over all current coordinates and stores the result next to the table, so a
// reader always sees a table and a grouping that belong together.
//
//	┌──────────────────────────────────────┐
//	│             Directory                │
//	├──────────────────────────────────────┤
//	│  participants: pseudonym → entry     │
//	│  byChat:       chat id → pseudonym   │
//	│  groupOf:      pseudonym → group id  │
//	│  groups:       group id → pseudonyms │
//	│  mu: RWMutex (single writer)         │
//	└──────────────────────────────────────┘
//
// # Identity-based groups
//
// Groups are stored as member pseudonyms, not as coordinates. Two
// participants reporting the exact same coordinate therefore remain distinct
// members of one group.
//
// # Concurrency
//
// Register, Unregister and UnregisterByChatID take the write lock for the
// whole mutation including the recompute. Lookups and peer resolution take
// the read lock and return copies, so callers may fan out without holding any
// lock.
//
// # Removal
//
// Unregistering drops the participant from the table and from its group but
// does not recompute. Remaining members keep their previous grouping until the
// next registration triggers a recompute. A removed participant that bridged
// two halves of a chain therefore keeps them grouped until then.
package directory
