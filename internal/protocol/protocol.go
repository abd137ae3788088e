// Package protocol parses raw WebSocket frames into typed client messages and
// serializes the closed set of server events. Both directions use a JSON
// object tagged by a "tag" discriminant field.
package protocol

import (
	"encoding/json"
	"fmt"

	"roomcast/pkg/types"
)

// Client message tags.
const (
	TagSendMessage = "SendMessage"
	TagTyping      = "Typing"
	TagJoinRoom    = "JoinRoom"
)

// Server event tags.
const (
	TagMessage    = "Message"
	TagUserTyping = "UserTyping"
	TagUserJoined = "UserJoined"
	TagUserLeft   = "UserLeft"
	TagError      = "Error"
	TagAck        = "Ack"
)

// Error codes carried by Error events.
const (
	CodeParseError  = "PARSE_ERROR"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL_ERROR"
)

// excerptLen bounds the raw-payload excerpt attached to parse errors.
const excerptLen = 100

// ClientMessage is the closed set of inbound frame kinds. Handlers dispatch
// with a type switch; adding a kind requires updating every switch.
type ClientMessage interface {
	clientMessage()
}

// SendMessage requests appending a chat message to the room.
type SendMessage struct {
	MsgID string `json:"msgId"`
	Text  string `json:"text"`
}

// Typing signals the sender's typing state. Never persisted.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

// JoinRoom re-announces the sender to the room, used on reconnect.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

func (SendMessage) clientMessage() {}
func (Typing) clientMessage()      {}
func (JoinRoom) clientMessage()    {}

// Event is the closed set of outbound server events. Kind returns the wire
// tag for logging and dispatch.
type Event interface {
	Kind() string
}

// MessageEvent carries one chat message to subscribers.
type MessageEvent struct {
	Tag    string `json:"tag"`
	MsgID  string `json:"msgId"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
	TS     int64  `json:"ts"`
}

// UserTypingEvent relays a typing signal to other participants.
type UserTypingEvent struct {
	Tag      string `json:"tag"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserJoinedEvent announces a participant joining the room.
type UserJoinedEvent struct {
	Tag    string `json:"tag"`
	UserID string `json:"userId"`
	TS     int64  `json:"ts"`
}

// UserLeftEvent announces a participant leaving the room.
type UserLeftEvent struct {
	Tag    string `json:"tag"`
	UserID string `json:"userId"`
	TS     int64  `json:"ts"`
}

// ErrorEvent reports a recovered handler failure to the originating
// connection only. Messages are generic and never expose internal state.
type ErrorEvent struct {
	Tag     string `json:"tag"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckEvent confirms receipt of a SendMessage to its sender.
type AckEvent struct {
	Tag   string `json:"tag"`
	MsgID string `json:"msgId"`
	OK    bool   `json:"ok"`
}

func (e MessageEvent) Kind() string    { return e.Tag }
func (e UserTypingEvent) Kind() string { return e.Tag }
func (e UserJoinedEvent) Kind() string { return e.Tag }
func (e UserLeftEvent) Kind() string   { return e.Tag }
func (e ErrorEvent) Kind() string      { return e.Tag }
func (e AckEvent) Kind() string        { return e.Tag }

// NewMessageEvent builds a Message event with its tag set.
func NewMessageEvent(msgID, userID, text string, ts int64) MessageEvent {
	return MessageEvent{Tag: TagMessage, MsgID: msgID, UserID: userID, Text: text, TS: ts}
}

// NewUserTypingEvent builds a UserTyping event.
func NewUserTypingEvent(userID string, isTyping bool) UserTypingEvent {
	return UserTypingEvent{Tag: TagUserTyping, UserID: userID, IsTyping: isTyping}
}

// NewUserJoinedEvent builds a UserJoined event.
func NewUserJoinedEvent(userID string, ts int64) UserJoinedEvent {
	return UserJoinedEvent{Tag: TagUserJoined, UserID: userID, TS: ts}
}

// NewUserLeftEvent builds a UserLeft event.
func NewUserLeftEvent(userID string, ts int64) UserLeftEvent {
	return UserLeftEvent{Tag: TagUserLeft, UserID: userID, TS: ts}
}

// NewErrorEvent builds an Error event.
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Tag: TagError, Code: code, Message: message}
}

// NewAckEvent builds an Ack event.
func NewAckEvent(msgID string, ok bool) AckEvent {
	return AckEvent{Tag: TagAck, MsgID: msgID, OK: ok}
}

// Encode serializes a server event for the wire.
func Encode(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// Decode parses and validates a raw frame into a typed client message. Any
// failure yields a *types.ParseError carrying a truncated payload excerpt;
// the caller reports it to the sender and keeps the room alive.
func Decode(raw []byte) (ClientMessage, *types.ParseError) {
	var envelope struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, parseError(raw, "invalid JSON")
	}

	switch envelope.Tag {
	case TagSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, parseError(raw, "invalid SendMessage payload")
		}
		if err := types.ValidateMessageID(msg.MsgID); err != nil {
			return nil, parseError(raw, err.Error())
		}
		if err := types.ValidateText(msg.Text); err != nil {
			return nil, parseError(raw, err.Error())
		}
		return msg, nil

	case TagTyping:
		var msg Typing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, parseError(raw, "invalid Typing payload")
		}
		return msg, nil

	case TagJoinRoom:
		var msg JoinRoom
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, parseError(raw, "invalid JoinRoom payload")
		}
		if msg.RoomID == "" {
			return nil, parseError(raw, "roomId must not be empty")
		}
		return msg, nil

	default:
		return nil, parseError(raw, fmt.Sprintf("unknown message tag %q", envelope.Tag))
	}
}

func parseError(raw []byte, message string) *types.ParseError {
	excerpt := string(raw)
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen]
	}
	return &types.ParseError{Raw: excerpt, Message: message}
}
