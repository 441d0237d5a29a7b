package wsgate

import "github.com/dreamware/tchaka/internal/chat"

// Inbound frame types.
const (
	TypeStart    = "start"
	TypeHelp     = "help"
	TypeStop     = "stop"
	TypeLocation = "location"
	TypeText     = "text"
)

// Outbound frame types.
const (
	TypeHello   = "hello"
	TypeAck     = "ack"
	TypeMessage = "message"
	TypeDelete  = "delete"
	TypeError   = "error"
)

// InboundFrame is what a client sends.
type InboundFrame struct {
	Type    string   `json:"type"`
	Lang    string   `json:"lang,omitempty"`
	Name    string   `json:"name,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	Text    string   `json:"text,omitempty"`
	ReplyTo int      `json:"reply_to,omitempty"`
}

// OutboundFrame is what the gateway sends.
type OutboundFrame struct {
	Type   string      `json:"type"`
	ChatID int64       `json:"chat_id,omitempty"`
	ID     int         `json:"id,omitempty"`
	Text   string      `json:"text,omitempty"`
	Format chat.Format `json:"format,omitempty"`
	Error  string      `json:"error,omitempty"`
}
