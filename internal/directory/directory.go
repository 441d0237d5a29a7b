package directory

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/geo"
	"github.com/dreamware/tchaka/internal/metrics"
)

// DefaultThresholdKm is the grouping distance used when none is configured.
const DefaultThresholdKm = 100.0

// Options configures a Directory.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	ThresholdKm float64
}

// Directory is the single-writer participant registry.
type Directory struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	thresholdKm float64

	// mu guards every field below as one unit.
	mu           sync.RWMutex
	participants map[string]chat.Participant
	byChat       map[int64]string
	groupOf      map[string]string
	groups       map[string][]string
}

// Snapshot is a point-in-time copy of the directory.
type Snapshot struct {
	Participants []chat.Participant
	Groups       map[string][]string
}

// New creates an empty directory. A threshold that is not a positive finite
// number is replaced by DefaultThresholdKm.
func New(opts Options) *Directory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := opts.ThresholdKm
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold <= 0 {
		threshold = DefaultThresholdKm
	}

	return &Directory{
		logger:       logger,
		metrics:      opts.Metrics,
		thresholdKm:  threshold,
		participants: make(map[string]chat.Participant),
		byChat:       make(map[int64]string),
		groupOf:      make(map[string]string),
		groups:       make(map[string][]string),
	}
}

// ThresholdKm returns the grouping distance.
func (d *Directory) ThresholdKm() float64 {
	return d.thresholdKm
}

// Register upserts a participant and recomputes every location group.
//
// A later registration with the same pseudonym replaces its chat binding and
// coordinate. A chat id that was bound to a different pseudonym is rebound,
// dropping the older entry, so each chat has at most one live record.
//
// Parameters:
//   - pseudonym: directory key (must be non-empty)
//   - chatID: chat the participant is reachable on (must be non-zero)
//   - coord: reported location (must be a valid WGS-84 coordinate)
//
// Returns:
//   - size of the caller's group after the recompute (including the caller)
//   - chat.ErrValidation wrapped with the reason; nothing is mutated in that case
//
// Thread Safety:
// The upsert and the recompute run under one write lock, so no reader can
// observe the new entry without its grouping or the reverse.
func (d *Directory) Register(pseudonym string, chatID int64, coord geo.Coord) (int, error) {
	if pseudonym == "" {
		return 0, errors.Wrap(chat.ErrValidation, "pseudonym is empty")
	}
	if chatID == 0 {
		return 0, errors.Wrap(chat.ErrValidation, "chat id is zero")
	}
	if !coord.Valid() {
		return 0, errors.Wrapf(chat.ErrValidation, "invalid coordinate %v", coord)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.participants[pseudonym]; ok && prev.ChatID != chatID {
		delete(d.byChat, prev.ChatID)
	}
	if owner, ok := d.byChat[chatID]; ok && owner != pseudonym {
		delete(d.participants, owner)
		d.logger.Debug("chat rebound to a new pseudonym", zap.Int64("chatID", chatID))
	}

	d.participants[pseudonym] = chat.Participant{
		Pseudonym: pseudonym,
		ChatID:    chatID,
		Coord:     coord,
	}
	d.byChat[chatID] = pseudonym

	d.recomputeLocked()

	size := len(d.groups[d.groupOf[pseudonym]])
	d.logger.Debug("participant registered",
		zap.String("pseudonym", pseudonym),
		zap.Int64("chatID", chatID),
		zap.Int("groupSize", size),
		zap.Int("groups", len(d.groups)))

	return size, nil
}

// recomputeLocked rebuilds groupOf and groups from the participant table.
// Pseudonyms are clustered in sorted order so group ids are deterministic
// for a given table.
func (d *Directory) recomputeLocked() {
	names := make([]string, 0, len(d.participants))
	for name := range d.participants {
		names = append(names, name)
	}
	slices.Sort(names)

	coords := make([]geo.Coord, len(names))
	for i, name := range names {
		coords[i] = d.participants[name].Coord
	}

	roots := geo.Partition(coords, d.thresholdKm)

	groupOf := make(map[string]string, len(names))
	groups := make(map[string][]string)
	for i, name := range names {
		id := geo.GroupID(roots[i])
		groupOf[name] = id
		groups[id] = append(groups[id], name)
	}

	d.groupOf = groupOf
	d.groups = groups
	d.metrics.ObserveDirectory(len(d.participants), len(d.groups), true)
}

// Unregister removes the participant with the given pseudonym.
// It does not recompute groups.
func (d *Directory) Unregister(pseudonym string) (chat.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[pseudonym]
	if !ok {
		return chat.Participant{}, errors.Wrapf(chat.ErrNotRegistered, "pseudonym %q", pseudonym)
	}
	d.removeLocked(p)
	return p, nil
}

// UnregisterByChatID removes the participant bound to chatID.
// It does not recompute groups.
func (d *Directory) UnregisterByChatID(chatID int64) (chat.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, ok := d.byChat[chatID]
	if !ok {
		return chat.Participant{}, errors.Wrapf(chat.ErrNotRegistered, "chat %d", chatID)
	}
	p := d.participants[name]
	d.removeLocked(p)
	return p, nil
}

func (d *Directory) removeLocked(p chat.Participant) {
	delete(d.participants, p.Pseudonym)
	delete(d.byChat, p.ChatID)

	if id, ok := d.groupOf[p.Pseudonym]; ok {
		delete(d.groupOf, p.Pseudonym)
		members := slices.DeleteFunc(slices.Clone(d.groups[id]), func(name string) bool {
			return name == p.Pseudonym
		})
		if len(members) == 0 {
			delete(d.groups, id)
		} else {
			d.groups[id] = members
		}
	}

	d.metrics.ObserveDirectory(len(d.participants), len(d.groups), false)
	d.logger.Debug("participant removed", zap.String("pseudonym", p.Pseudonym), zap.Int64("chatID", p.ChatID))
}

// LookupByChatID returns the pseudonym bound to chatID.
func (d *Directory) LookupByChatID(chatID int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.byChat[chatID]
	if !ok {
		return "", errors.Wrapf(chat.ErrNotRegistered, "chat %d", chatID)
	}
	return name, nil
}

// Lookup returns a copy of the participant entry for pseudonym.
func (d *Directory) Lookup(pseudonym string) (chat.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.participants[pseudonym]
	if !ok {
		return chat.Participant{}, errors.Wrapf(chat.ErrNotRegistered, "pseudonym %q", pseudonym)
	}
	return p, nil
}

// Peers returns the other members of pseudonym's current group, excluding
// any entry bound to the caller's own chat.
//
// Returns:
//   - the sender's own entry and its peers, copied under one read lock
//   - chat.ErrNotRegistered if pseudonym is unknown
func (d *Directory) Peers(pseudonym string) (chat.Participant, []chat.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	self, ok := d.participants[pseudonym]
	if !ok {
		return chat.Participant{}, nil, errors.Wrapf(chat.ErrNotRegistered, "pseudonym %q", pseudonym)
	}

	id, ok := d.groupOf[pseudonym]
	if !ok {
		return self, nil, nil
	}

	members := d.groups[id]
	peers := make([]chat.Participant, 0, len(members))
	for _, name := range members {
		p, ok := d.participants[name]
		if !ok || name == pseudonym || p.ChatID == self.ChatID {
			continue
		}
		peers = append(peers, p)
	}
	return self, peers, nil
}

// Others returns every participant not bound to chatID.
func (d *Directory) Others(chatID int64) []chat.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()

	others := make([]chat.Participant, 0, len(d.participants))
	for _, p := range d.participants {
		if p.ChatID != chatID {
			others = append(others, p)
		}
	}
	slices.SortFunc(others, func(a, b chat.Participant) int {
		switch {
		case a.Pseudonym < b.Pseudonym:
			return -1
		case a.Pseudonym > b.Pseudonym:
			return 1
		}
		return 0
	})
	return others
}

// GroupSize returns the size of pseudonym's group, or 0 if it is unknown.
func (d *Directory) GroupSize(pseudonym string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.groupOf[pseudonym]
	if !ok {
		return 0
	}
	return len(d.groups[id])
}

// Len returns the number of registered participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}

// Snapshot copies the table and the current grouping.
func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		Participants: make([]chat.Participant, 0, len(d.participants)),
		Groups:       make(map[string][]string, len(d.groups)),
	}
	for _, p := range d.participants {
		snap.Participants = append(snap.Participants, p)
	}
	for id, members := range d.groups {
		snap.Groups[id] = slices.Clone(members)
	}
	return snap
}
