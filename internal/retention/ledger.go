package retention

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Ledger records message ids per chat.
// All implementations must be safe for concurrent use.
type Ledger interface {
	// Record adds messageID to chatID's history.
	Record(chatID int64, messageID int)

	// IDs returns chatID's ids ascending and de-duplicated, or nil.
	IDs(chatID int64) []int

	// Drop forgets chatID's history and returns what it held.
	Drop(chatID int64) []int

	// Stats returns ledger statistics.
	Stats() LedgerStats
}

// LedgerStats describes ledger contents.
type LedgerStats struct {
	Chats    int `json:"chats"`    // Chats with at least one id
	Messages int `json:"messages"` // Ids across all chats
}

// MemoryLedger is an in-memory Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	data map[int64][]int // kept sorted and unique
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		data: make(map[int64][]int),
	}
}

// Record inserts messageID in order; duplicates are ignored.
func (l *MemoryLedger) Record(chatID int64, messageID int) {
	if messageID <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.data[chatID]
	pos, found := slices.BinarySearch(ids, messageID)
	if found {
		return
	}
	l.data[chatID] = slices.Insert(ids, pos, messageID)
}

// IDs returns a copy of chatID's ids.
func (l *MemoryLedger) IDs(chatID int64) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.data[chatID])
}

// Drop removes chatID's history.
func (l *MemoryLedger) Drop(chatID int64) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.data[chatID]
	delete(l.data, chatID)
	return ids
}

// Stats returns ledger statistics.
func (l *MemoryLedger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := LedgerStats{Chats: len(l.data)}
	for _, ids := range l.data {
		stats.Messages += len(ids)
	}
	return stats
}
