// Package chat holds the types shared between the relay core and the
// transports it delivers through.
//
// Error Taxonomy:
//   - ErrValidation: bad input, rejected before any state changes
//   - ErrNotRegistered: unknown pseudonym or chat, treated as a no-op
//   - ErrDeliveryDenied: recipient unreachable, swallowed per recipient
//   - ErrDeliveryFailed: any other transport failure
//   - ErrNotFound: a deletion target that is already gone
//
// Transports wrap these sentinels with context; callers classify with
// errors.Is or the Is helpers.
package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dreamware/tchaka/internal/geo"
)

var (
	// ErrValidation marks input rejected before any state was touched.
	ErrValidation = errors.New("validation failed")

	// ErrNotRegistered is returned for a pseudonym or chat that has no
	// directory entry.
	ErrNotRegistered = errors.New("not registered")

	// ErrDeliveryDenied is returned by a transport when the recipient is
	// unreachable, for example because it blocked the relay.
	ErrDeliveryDenied = errors.New("delivery denied")

	// ErrDeliveryFailed covers every other transport failure.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrNotFound is returned by Delete when the message is already gone.
	ErrNotFound = errors.New("message not found")
)

// Format tells the transport how to render outgoing text.
type Format string

const (
	// FormatPlain is text shown as is.
	FormatPlain Format = "plain"
	// FormatMarkdown is text with markdown emphasis and code blocks, used
	// for every relayed message and reply.
	FormatMarkdown Format = "markdown"
)

// Participant is one live directory entry.
type Participant struct {
	Pseudonym string    `json:"pseudonym"`
	ChatID    int64     `json:"chat_id"`
	Coord     geo.Coord `json:"coord"`
}

// Sender delivers a message to a chat and returns the id the transport
// assigned to it.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, format Format) (int, error)
}

// Deleter removes a previously delivered message from a chat.
type Deleter interface {
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Transport is the full messaging binding the relay needs.
type Transport interface {
	Sender
	Deleter
}

// Recorder is notified of every message id that lands in a chat so it can be
// purged later.
type Recorder interface {
	Record(chatID int64, messageID int)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(chatID int64, messageID int)

// Record calls f(chatID, messageID).
func (f RecorderFunc) Record(chatID int64, messageID int) {
	f(chatID, messageID)
}

// IsDeliveryDenied reports whether err marks an unreachable recipient.
func IsDeliveryDenied(err error) bool {
	return errors.Is(err, ErrDeliveryDenied)
}

// IsNotFound reports whether err marks a message that no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Inbound describes one update received from a chat.
type Inbound struct {
	ChatID int64
	// MessageID is the id the transport gave the update itself.
	MessageID int
	// Lang is the sender's language tag, e.g. "fr" or "fr-CA"; may be empty.
	Lang string
	// Name is the sender's real display name. It is only ever hashed, never
	// stored or logged.
	Name string
}
