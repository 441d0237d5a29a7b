// Package wsgate is a websocket chat transport. See doc.go for the frame
// protocol and connection lifecycle.
package wsgate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/tchaka/internal/chat"
	"github.com/dreamware/tchaka/internal/geo"
	"github.com/dreamware/tchaka/internal/metrics"
)

const (
	// DefaultWriteTimeout bounds every frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMaxFrameSize is the read limit per inbound frame, in bytes.
	DefaultMaxFrameSize = 4096
)

// Handler receives the updates of every chat.
type Handler interface {
	Start(ctx context.Context, in chat.Inbound) error
	Help(ctx context.Context, in chat.Inbound) error
	Location(ctx context.Context, in chat.Inbound, coord geo.Coord) error
	Text(ctx context.Context, in chat.Inbound, text string, quoted *string) error
	Stop(ctx context.Context, in chat.Inbound) error
	Disconnect(ctx context.Context, chatID int64)
}

// Options configures a Hub.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	WriteTimeout time.Duration
	MaxFrameSize int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks open chats and implements chat.Transport over them.
type Hub struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	maxFrameSize int64

	lastChatID atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*session
	closed   bool
}

var _ chat.Transport = (*Hub)(nil)

// New creates a Hub.
func New(opts Options) *Hub {
	h := &Hub{
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		writeTimeout: opts.WriteTimeout,
		maxFrameSize: opts.MaxFrameSize,
		sessions:     make(map[int64]*session),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = DefaultWriteTimeout
	}
	if h.maxFrameSize <= 0 {
		h.maxFrameSize = DefaultMaxFrameSize
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return h
}

// Len returns the number of open chats.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Send writes a message frame to chatID and returns its id.
//
// The id comes from the chat's own sequence, the one inbound frames are
// numbered from, so ids in a chat are unique and increasing whichever side
// produced the message. The text is kept while the id is live so a later
// reply_to can quote it.
//
// Parameters:
//   - chatID: Target chat; it must be connected to this Hub
//   - text: Message body, sent as is
//   - format: Rendering hint passed to the client
//
// Returns:
//   - The message id on success
//   - chat.ErrDeliveryDenied when the chat is not connected
//   - chat.ErrDeliveryFailed when the write fails; the id is released
//
// Thread Safety:
// Writes to one connection are serialized by the session; Send may be
// called concurrently for any mix of chats.
func (h *Hub) Send(_ context.Context, chatID int64, text string, format chat.Format) (int, error) {
	s, ok := h.session(chatID)
	if !ok {
		return 0, errors.Wrapf(chat.ErrDeliveryDenied, "chat %d is not connected", chatID)
	}

	id := s.track(text)
	err := s.write(h.writeTimeout, OutboundFrame{Type: TypeMessage, ID: id, Text: text, Format: format})
	if err != nil {
		s.forget(id)
		return 0, errors.Wrapf(chat.ErrDeliveryFailed, "chat %d: %v", chatID, err)
	}
	return id, nil
}

// Delete removes message messageID from chatID by sending a delete frame.
//
// Returns:
//   - nil once the delete frame is written; the id is no longer live
//   - chat.ErrNotFound when the id was never issued or is already deleted
//   - chat.ErrDeliveryFailed when the chat is not connected or the write
//     fails
//
// A disconnected chat is a failure rather than not-found: a purge against
// it stops at once instead of walking through its whole target list.
func (h *Hub) Delete(_ context.Context, chatID int64, messageID int) error {
	s, ok := h.session(chatID)
	if !ok {
		return errors.Wrapf(chat.ErrDeliveryFailed, "chat %d is not connected", chatID)
	}
	if !s.forget(messageID) {
		return errors.Wrapf(chat.ErrNotFound, "chat %d message %d", chatID, messageID)
	}
	if err := s.write(h.writeTimeout, OutboundFrame{Type: TypeDelete, ID: messageID}); err != nil {
		return errors.Wrapf(chat.ErrDeliveryFailed, "chat %d: %v", chatID, err)
	}
	return nil
}

// Close disconnects every chat. Their read loops notify the handler.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, s := range h.snapshot() {
		_ = s.conn.Close()
	}
}

// Handler returns the http.Handler that upgrades requests and routes their
// frames to rel.
func (h *Hub) Handler(rel Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		h.serve(r.Context(), conn, rel)
	})
}

// serve runs one chat from connect to disconnect.
//
// Lifecycle:
//  1. A chat id and a session id are assigned and the session is added to
//     the Hub; a closed Hub refuses it.
//  2. A hello frame tells the client its chat id.
//  3. Frames are read and handled one at a time, so commands of one chat
//     never overlap. A frame that is not JSON gets an error frame and the
//     loop goes on.
//  4. Any read error ends the loop. The session is removed first, then the
//     handler is told about the disconnect with a context that outlives the
//     request.
//
// Error frames carry the validation message for bad input and a generic
// text otherwise. Handler failures that are not validation errors are
// logged at error level and counted, since nobody else will see them.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, rel Handler) {
	s := &session{
		chatID: h.lastChatID.Add(1),
		sid:    uuid.NewString(),
		conn:   conn,
		live:   make(map[int]string),
	}
	conn.SetReadLimit(h.maxFrameSize)
	conn.SetPongHandler(func(string) error {
		s.pongs.Add(1)
		return nil
	})

	if !h.add(s) {
		_ = conn.Close()
		return
	}
	logger := h.logger.With(zap.Int64("chatID", s.chatID), zap.String("session", s.sid))
	logger.Debug("chat connected")

	defer func() {
		h.remove(s.chatID)
		_ = conn.Close()
		rel.Disconnect(context.WithoutCancel(ctx), s.chatID)
		logger.Debug("chat disconnected")
	}()

	if err := s.write(h.writeTimeout, OutboundFrame{Type: TypeHello, ChatID: s.chatID}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = s.write(h.writeTimeout, OutboundFrame{Type: TypeError, Error: "malformed frame"})
			continue
		}
		h.metrics.ObserveFrame(frame.Type)

		if err := h.handle(ctx, s, rel, frame); err != nil {
			msg := "request failed"
			if errors.Is(err, chat.ErrValidation) {
				logger.Debug("frame rejected", zap.String("type", frame.Type), zap.Error(err))
				msg = err.Error()
			} else {
				logger.Error("command failed", zap.String("type", frame.Type), zap.Error(err))
				h.metrics.ObserveHandlerError(frame.Type)
			}
			_ = s.write(h.writeTimeout, OutboundFrame{Type: TypeError, Error: msg})
		}
	}
}

// handle acks frame and passes it to rel.
//
// Unknown frame types are rejected before an id is allocated, so they never
// consume a message id. A location frame needs both coordinates. A text
// frame's reply_to is resolved against the chat's live messages; an id that
// is unknown or already deleted relays the text without a quote.
func (h *Hub) handle(ctx context.Context, s *session, rel Handler, frame InboundFrame) error {
	switch frame.Type {
	case TypeStart, TypeHelp, TypeStop, TypeLocation, TypeText:
	default:
		return errors.Wrapf(chat.ErrValidation, "unknown frame type %q", frame.Type)
	}

	in := s.inbound(frame)
	if err := s.write(h.writeTimeout, OutboundFrame{Type: TypeAck, ID: in.MessageID}); err != nil {
		return err
	}

	switch frame.Type {
	case TypeStart:
		return rel.Start(ctx, in)
	case TypeHelp:
		return rel.Help(ctx, in)
	case TypeStop:
		return rel.Stop(ctx, in)
	case TypeLocation:
		if frame.Lat == nil || frame.Lon == nil {
			return errors.Wrap(chat.ErrValidation, "location needs lat and lon")
		}
		return rel.Location(ctx, in, geo.Coord{Lat: *frame.Lat, Lon: *frame.Lon})
	default:
		var quoted *string
		if frame.ReplyTo > 0 {
			if text, ok := s.text(frame.ReplyTo); ok {
				quoted = &text
			}
		}
		return rel.Text(ctx, in, frame.Text, quoted)
	}
}

func (h *Hub) session(chatID int64) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[chatID]
	return s, ok
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.chatID] = s
	h.metrics.ObserveConnection(1)
	return true
}

func (h *Hub) remove(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[chatID]; ok {
		delete(h.sessions, chatID)
		h.metrics.ObserveConnection(-1)
	}
}
