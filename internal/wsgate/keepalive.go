package wsgate

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Keepalive defaults applied when the option is zero.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveFailures = 3
)

// Chat health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ChatHealth tracks the liveness of one chat connection.
type ChatHealth struct {
	LastCheck        time.Time // Last ping attempt
	LastHealthy      time.Time // Last check that saw a pong
	ChatID           int64
	Status           string
	ConsecutiveFails int
}

// KeepaliveOptions configures a Keepalive.
type KeepaliveOptions struct {
	Logger *zap.Logger
	// Interval between pings. A chat that has not answered the previous ping
	// by the next one counts as a failure.
	Interval time.Duration
	// MaxFailures consecutive failures close the connection.
	MaxFailures int
}

// Keepalive pings every open chat and drops the ones that stop answering.
//
// Thread Safety:
// Run owns the check loop; Health may be called from any goroutine.
type Keepalive struct {
	hub         *Hub
	logger      *zap.Logger
	interval    time.Duration
	maxFailures int

	checkFunc   func(s *session) error
	onUnhealthy func(s *session)

	mu    sync.RWMutex
	chats map[int64]*chatState
}

type chatState struct {
	health    ChatHealth
	seenPongs int64
	pinged    bool
}

// NewKeepalive creates a Keepalive over hub's chats.
func NewKeepalive(hub *Hub, opts KeepaliveOptions) *Keepalive {
	k := &Keepalive{
		hub:         hub,
		logger:      opts.Logger,
		interval:    opts.Interval,
		maxFailures: opts.MaxFailures,
		chats:       make(map[int64]*chatState),
	}
	if k.logger == nil {
		k.logger = zap.NewNop()
	}
	if k.interval <= 0 {
		k.interval = DefaultKeepaliveInterval
	}
	if k.maxFailures <= 0 {
		k.maxFailures = DefaultKeepaliveFailures
	}
	k.onUnhealthy = func(s *session) { _ = s.conn.Close() }
	return k
}

// Run checks every chat once per interval until ctx ends.
//
// Each tick takes a snapshot of the Hub's open chats and checks them in
// sequence, then forgets the health of chats that are no longer open. The
// first check happens one interval after Run starts, so a new connection
// always gets a full interval before its first ping.
//
// Run blocks; start it in its own goroutine:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go NewKeepalive(hub, KeepaliveOptions{Logger: logger}).Run(ctx)
//	defer cancel()
func (k *Keepalive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Debug("keepalive started", zap.Duration("interval", k.interval))
	for {
		select {
		case <-ticker.C:
			k.checkAll(k.hub.snapshot())
		case <-ctx.Done():
			k.logger.Debug("keepalive stopped")
			return
		}
	}
}

// Health returns a copy of chatID's state, or nil if it was never checked.
func (k *Keepalive) Health(chatID int64) *ChatHealth {
	k.mu.RLock()
	defer k.mu.RUnlock()

	state, ok := k.chats[chatID]
	if !ok {
		return nil
	}
	health := state.health
	return &health
}

// checkAll checks the given chats and forgets the ones that are gone.
func (k *Keepalive) checkAll(sessions []*session) {
	current := make(map[int64]bool, len(sessions))
	for _, s := range sessions {
		current[s.chatID] = true
		k.check(s)
	}

	k.mu.Lock()
	for chatID := range k.chats {
		if !current[chatID] {
			delete(k.chats, chatID)
		}
	}
	k.mu.Unlock()
}

// check runs one health check for s.
//
// Implementation:
//   - A check fails when the ping sent by the previous check got no pong,
//     which the session's pong counter shows as unchanged
//   - Otherwise a new ping is written; a write error is also a failure
//   - A success resets the consecutive failure count
//   - Reaching MaxFailures marks the chat unhealthy and runs onUnhealthy
//     once, in its own goroutine, so a slow close never holds up the loop
//
// Closing the connection ends the chat's read loop, which removes it from
// the Hub and reports the disconnect to the handler.
func (k *Keepalive) check(s *session) {
	k.mu.Lock()
	state, ok := k.chats[s.chatID]
	if !ok {
		state = &chatState{health: ChatHealth{ChatID: s.chatID, Status: StatusUnknown}}
		k.chats[s.chatID] = state
	}

	// The previous ping must have been answered before this check.
	var err error
	pongs := s.pongs.Load()
	if state.pinged && pongs == state.seenPongs {
		err = errors.New("no pong since last ping")
	}
	state.seenPongs = pongs
	k.mu.Unlock()

	if err == nil {
		err = k.ping(s)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	state.pinged = true
	state.health.LastCheck = time.Now()
	if err == nil {
		state.health.Status = StatusHealthy
		state.health.ConsecutiveFails = 0
		state.health.LastHealthy = state.health.LastCheck
		return
	}

	state.health.ConsecutiveFails++
	k.logger.Debug("keepalive check failed",
		zap.Int64("chatID", s.chatID),
		zap.Int("attempt", state.health.ConsecutiveFails),
		zap.Error(err))

	if state.health.ConsecutiveFails >= k.maxFailures && state.health.Status != StatusUnhealthy {
		state.health.Status = StatusUnhealthy
		k.logger.Info("dropping unresponsive chat",
			zap.Int64("chatID", s.chatID),
			zap.Int("failures", state.health.ConsecutiveFails))
		go k.onUnhealthy(s)
	}
}

func (k *Keepalive) ping(s *session) error {
	if k.checkFunc != nil {
		return k.checkFunc(s)
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(k.hub.writeTimeout))
}
