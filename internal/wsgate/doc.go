// Package wsgate binds the relay to websocket clients.
//
// # Overview
//
// Every websocket connection is one chat. The Hub assigns the chat id when
// the connection opens, turns inbound JSON frames into handler calls and
// implements chat.Transport so the relay can send and delete messages in
// any open chat. Nothing survives a disconnect: a reconnecting client is a
// new chat with a new id.
//
// # Architecture
//
//	 client ──ws──▶ ┌─────────────────────────────┐
//	                │ Hub                         │
//	                │   sessions: chatID→session  │◀── Send / Delete (relay)
//	                │   read loop per session     │
//	                └──────────────┬──────────────┘
//	                               │ Start/Help/Location/Text/Stop/Disconnect
//	                               ▼
//	                        Handler (relay.Service)
//
//	                ┌─────────────────────────────┐
//	                │ Keepalive                   │── ping every interval,
//	                │   chatID→ChatHealth         │   close after N misses
//	                └─────────────────────────────┘
//
// # Frame Protocol
//
// All frames are JSON text messages with a "type" field.
//
// Client to server:
//
//	{"type":"start","lang":"fr","name":"Ada"}
//	{"type":"help"}
//	{"type":"location","lat":52.52,"lon":13.405}
//	{"type":"text","text":"hello","reply_to":7}
//	{"type":"stop"}
//
// lang and name stick to the session once sent, so later frames can leave
// them out.
//
// Server to client:
//
//	{"type":"hello","chat_id":3}                 once, on connect
//	{"type":"ack","id":5}                        the id given to an inbound frame
//	{"type":"message","id":6,"text":"…","format":"markdown"}
//	{"type":"delete","id":6}                     drop a message from the view
//	{"type":"error","error":"…"}                 the previous frame failed
//
// # Message Ids
//
// Each chat has a single id sequence shared by inbound frames (reported in
// the ack) and outbound messages. Ids start at 1 and only grow. The Hub
// remembers the text of every outbound message until it is deleted, which
// is what reply_to quotes and what decides whether Delete reports
// chat.ErrNotFound.
//
// # Errors
//
// Transport errors follow the chat taxonomy:
//   - Send to a chat that is not connected: chat.ErrDeliveryDenied
//   - Send or Delete write failure: chat.ErrDeliveryFailed
//   - Delete of an id that is not live: chat.ErrNotFound
//   - Delete in a chat that is not connected: chat.ErrDeliveryFailed
//
// A frame that cannot be decoded, has an unknown type or fails validation
// gets an error frame with the reason. Any other handler failure gets a
// generic error frame and is logged at error level.
//
// # Concurrency
//
// Frames of one chat are handled sequentially on its read loop. Writes to a
// connection go through a per-session mutex with a write deadline, so the
// relay may send to the same chat from many goroutines. Close marks the Hub
// closed, refuses new connections and closes every open one.
package wsgate
