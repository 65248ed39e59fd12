// Package wire defines the JSON frame protocol spoken over the chat socket.
//
// Every frame is a UTF-8 JSON text message carrying a "type" discriminator
// plus variant-specific fields. Unknown fields on known variants are ignored
// for forward compatibility; unknown variants are a protocol error.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminators, lowercase snake_case on the wire.
const (
	TypeJoinRoom           = "join_room"
	TypeSendMessage        = "send_message"
	TypeLeaveRoom          = "leave_room"
	TypePing               = "ping"
	TypeWebRTCOffer        = "webrtc_offer"
	TypeWebRTCAnswer       = "webrtc_answer"
	TypeWebRTCIceCandidate = "webrtc_ice_candidate"
	TypeRoomJoined         = "room_joined"
	TypeMessage            = "message"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypePong               = "pong"
	TypeError              = "error"
	TypeAuthRequired       = "auth_required"
	TypeRateLimited        = "rate_limited"
)

// Application-layer error codes carried in the "code" field of an error
// frame. These are not transport close codes.
const (
	CodeTimeout    uint16 = 1001
	CodeValidation uint16 = 1002
	CodeProtocol   uint16 = 1003
	CodeTooLarge   uint16 = 1009
	CodeInternal   uint16 = 1011
)

// MaxFrameSize caps both inbound and outbound serialized frames.
const MaxFrameSize = 64 * 1024

// ErrUnknownType is returned by Decode for a type tag outside the closed set.
var ErrUnknownType = errors.New("unknown frame type")

// Frame is the closed union of wire frames.
type Frame interface {
	FrameType() string
}

// JoinRoom asks the server to add the connection to a room.
type JoinRoom struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func (f *JoinRoom) FrameType() string { return TypeJoinRoom }

// SendMessage posts a chat message to a room. MessageType is an optional
// kind hint ("image", "file", "system"); absent means "text".
type SendMessage struct {
	Type        string  `json:"type"`
	Room        string  `json:"room"`
	Content     string  `json:"content"`
	MessageType *string `json:"message_type,omitempty"`
}

func (f *SendMessage) FrameType() string { return TypeSendMessage }

// LeaveRoom removes the connection from a room.
type LeaveRoom struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func (f *LeaveRoom) FrameType() string { return TypeLeaveRoom }

// Ping flows both ways. The optional timestamp is epoch milliseconds and is
// echoed verbatim in the matching Pong.
type Ping struct {
	Type      string  `json:"type"`
	Timestamp *uint64 `json:"timestamp,omitempty"`
}

func (f *Ping) FrameType() string { return TypePing }

// Pong answers a Ping, echoing its timestamp if one was supplied.
type Pong struct {
	Type      string  `json:"type"`
	Timestamp *uint64 `json:"timestamp,omitempty"`
}

func (f *Pong) FrameType() string { return TypePong }

// WebRTCSignal is the shared shape of the three call-signaling relay frames.
// Exactly one of Offer, Answer or Candidate is populated, matching Type.
// On relay the server rewrites ToUserID to the sender's id so the recipient
// learns where the signal came from.
type WebRTCSignal struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	ToUserID  string          `json:"to_user_id"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (f *WebRTCSignal) FrameType() string { return f.Type }

// RoomEvent is the shared shape of room_joined, user_joined and user_left.
type RoomEvent struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (f *RoomEvent) FrameType() string { return f.Type }

// Message is the canonical broadcast form of a persisted chat message.
// Timestamp marshals as RFC3339.
type Message struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
}

func (f *Message) FrameType() string { return TypeMessage }

// Error reports a failure to the peer. Code is optional; authorization
// failures carry only the message.
type Error struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Code    *uint16 `json:"code,omitempty"`
}

func (f *Error) FrameType() string { return TypeError }

// AuthRequired tells an unauthenticated peer to present a credential.
type AuthRequired struct {
	Type string `json:"type"`
}

func (f *AuthRequired) FrameType() string { return TypeAuthRequired }

// RateLimited tells the peer its frame was dropped and when to retry.
type RateLimited struct {
	Type       string `json:"type"`
	RetryAfter uint64 `json:"retry_after"`
}

func (f *RateLimited) FrameType() string { return TypeRateLimited }

// --- Constructors for server-originated frames ---

func NewRoomJoined(room, userID, username string) *RoomEvent {
	return &RoomEvent{Type: TypeRoomJoined, Room: room, UserID: userID, Username: username}
}

func NewUserJoined(room, userID, username string) *RoomEvent {
	return &RoomEvent{Type: TypeUserJoined, Room: room, UserID: userID, Username: username}
}

func NewUserLeft(room, userID, username string) *RoomEvent {
	return &RoomEvent{Type: TypeUserLeft, Room: room, UserID: userID, Username: username}
}

func NewMessage(id, room, userID, username, content, messageType string, ts time.Time) *Message {
	return &Message{
		Type:        TypeMessage,
		ID:          id,
		Room:        room,
		UserID:      userID,
		Username:    username,
		Content:     content,
		MessageType: messageType,
		Timestamp:   ts,
	}
}

func NewPing(timestampMillis uint64) *Ping {
	return &Ping{Type: TypePing, Timestamp: &timestampMillis}
}

func NewPong(timestamp *uint64) *Pong {
	return &Pong{Type: TypePong, Timestamp: timestamp}
}

// NewError builds an error frame with an application code.
func NewError(message string, code uint16) *Error {
	return &Error{Type: TypeError, Message: message, Code: &code}
}

// NewAuthError builds an error frame without a code (authorization failures).
func NewAuthError(message string) *Error {
	return &Error{Type: TypeError, Message: message}
}

func NewRateLimited(retryAfterSeconds uint64) *RateLimited {
	return &RateLimited{Type: TypeRateLimited, RetryAfter: retryAfterSeconds}
}

// Decode parses a single inbound frame. The concrete type is selected by the
// "type" tag; tags outside the closed set return ErrUnknownType.
func Decode(data []byte) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame envelope: %w", err)
	}

	var f Frame
	switch env.Type {
	case TypeJoinRoom:
		f = &JoinRoom{}
	case TypeSendMessage:
		f = &SendMessage{}
	case TypeLeaveRoom:
		f = &LeaveRoom{}
	case TypePing:
		f = &Ping{}
	case TypePong:
		f = &Pong{}
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCIceCandidate:
		f = &WebRTCSignal{}
	case TypeRoomJoined, TypeUserJoined, TypeUserLeft:
		f = &RoomEvent{}
	case TypeMessage:
		f = &Message{}
	case TypeError:
		f = &Error{}
	case TypeAuthRequired:
		f = &AuthRequired{}
	case TypeRateLimited:
		f = &RateLimited{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
