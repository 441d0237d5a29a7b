package wsgate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/tchaka/internal/chat"
)

// session is one connected chat. Inbound and outbound messages share one id
// sequence, starting at 1.
type session struct {
	chatID int64
	sid    string
	conn   *websocket.Conn
	pongs  atomic.Int64

	// writeMu serializes writers; gorilla connections allow one at a time.
	writeMu sync.Mutex

	mu     sync.Mutex
	lastID int
	lang   string
	name   string
	live   map[int]string // message id -> text
}

// track allocates the next message id for text.
func (s *session) track(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	s.live[s.lastID] = text
	return s.lastID
}

// forget drops id and reports whether it was live.
func (s *session) forget(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; !ok {
		return false
	}
	delete(s.live, id)
	return true
}

func (s *session) text(id int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.live[id]
	return text, ok
}

// inbound tracks frame as a new message and builds the update for it. Lang
// and name persist from earlier frames when a frame omits them.
func (s *session) inbound(frame InboundFrame) chat.Inbound {
	s.mu.Lock()
	if frame.Lang != "" {
		s.lang = frame.Lang
	}
	if frame.Name != "" {
		s.name = frame.Name
	}
	lang, name := s.lang, s.name
	s.mu.Unlock()

	text := frame.Text
	if frame.Type != TypeText {
		text = "/" + frame.Type
	}
	return chat.Inbound{
		ChatID:    s.chatID,
		MessageID: s.track(text),
		Lang:      lang,
		Name:      name,
	}
}

func (s *session) write(timeout time.Duration, frame OutboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}
