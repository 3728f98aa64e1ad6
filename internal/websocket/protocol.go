package websocket

import (
	"encoding/json"

	"github.com/observer/watchparty/internal/domain"
	"github.com/observer/watchparty/internal/validate"
)

// Event names for client -> server
const (
	EventJoinRoom        = "joinRoom"
	EventHostPlay        = "hostPlay"
	EventHostPause       = "hostPause"
	EventHostSeek        = "hostSeek"
	EventHostTimeSync    = "hostTimeSync"
	EventHostSpeedChange = "hostSpeedChange"
	EventPing            = "ping"
	EventReaction        = "reaction"
	EventChatMessage     = "chatMessage"
	EventLeaveRoom       = "leaveRoom"
)

// Event names for server -> client
const (
	EventError            = "error"
	EventJoined           = "joined"
	EventParticipantLeft  = "participantLeft"
	EventHostDisconnected = "hostDisconnected"
	EventHostReconnected  = "hostReconnected"
	EventHostTransferred  = "hostTransferred"
	EventPong             = "pong"
)

// Error codes carried in error events.
const (
	CodeAuthFailed     = "AuthFailed"
	CodeUnauthorized   = "Unauthorized"
	CodeInvalidPayload = "InvalidPayload"
	CodeRoomNotFound   = "RoomNotFound"
	CodeRoomExpired    = "RoomExpired"
	CodeFileMismatch   = "FileMismatch"
)

// Message is the signaling envelope carried over the wire.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload in an envelope.
func NewMessage(event string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Event: event, Payload: payloadBytes}, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// JoinRoomPayload admits a connection to a room. Followers must present the
// same file hash the room was created with.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Role     string `json:"role"`
	FileHash string `json:"file_hash"`
}

func (p *JoinRoomPayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(p.Role == string(domain.RoleHost) || p.Role == string(domain.RoleFollower), "role must be host or follower")
	c.Check(validate.FileHash(p.FileHash), "file_hash must be a 64-digit hex digest")
	return c.Err()
}

// HostPlayPayload starts playback at a position.
type HostPlayPayload struct {
	RoomID          string  `json:"roomId"`
	PositionSec     float64 `json:"positionSec"`
	HostTimestampMS int64   `json:"hostTimestampMs"`
	PlaybackRate    float64 `json:"playbackRate,omitempty"`
}

func (p *HostPlayPayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(p.PositionSec >= 0, "positionSec must be >= 0")
	c.Check(p.HostTimestampMS > 0, "hostTimestampMs must be a positive integer")
	c.Check(p.PlaybackRate == 0 || validate.PlaybackRate(p.PlaybackRate), "playbackRate must be between 0.25 and 2.0")
	return c.Err()
}

// HostPausePayload pauses playback. Reason is set on synthetic pauses the
// server emits when a participant leaves.
type HostPausePayload struct {
	RoomID          string  `json:"roomId"`
	PositionSec     float64 `json:"positionSec"`
	HostTimestampMS int64   `json:"hostTimestampMs"`
	Reason          string  `json:"reason,omitempty"`
}

func (p *HostPausePayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(p.PositionSec >= 0, "positionSec must be >= 0")
	c.Check(p.HostTimestampMS > 0, "hostTimestampMs must be a positive integer")
	return c.Err()
}

// HostSeekPayload jumps playback to a position.
type HostSeekPayload struct {
	RoomID          string  `json:"roomId"`
	PositionSec     float64 `json:"positionSec"`
	HostTimestampMS int64   `json:"hostTimestampMs"`
}

func (p *HostSeekPayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(p.PositionSec >= 0, "positionSec must be >= 0")
	c.Check(p.HostTimestampMS > 0, "hostTimestampMs must be a positive integer")
	return c.Err()
}

// HostTimeSyncPayload is the high-rate position tick. Not logged.
type HostTimeSyncPayload struct {
	RoomID          string  `json:"roomId"`
	PositionSec     float64 `json:"positionSec"`
	HostTimestampMS int64   `json:"hostTimestampMs"`
	IsPlaying       bool    `json:"isPlaying"`
}

func (p *HostTimeSyncPayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(p.PositionSec >= 0, "positionSec must be >= 0")
	c.Check(p.HostTimestampMS > 0, "hostTimestampMs must be a positive integer")
	return c.Err()
}

// HostSpeedChangePayload changes the playback rate.
type HostSpeedChangePayload struct {
	RoomID       string  `json:"roomId"`
	PlaybackRate float64 `json:"playbackRate"`
}

func (p *HostSpeedChangePayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(validate.PlaybackRate(p.PlaybackRate), "playbackRate must be between 0.25 and 2.0")
	return c.Err()
}

// PingPayload is an application-level latency probe.
type PingPayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ReactionPayload is an ephemeral reaction.
type ReactionPayload struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
}

func (p *ReactionPayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(validate.ReactionType(p.Type), "type must be one of heart, laugh, wow, sad, fire")
	return c.Err()
}

// ChatMessagePayload is a room chat line.
type ChatMessagePayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

func (p *ChatMessagePayload) Validate() error {
	var c validate.Collector
	c.Check(validate.RoomID(p.RoomID), "roomId must be 6-8 characters")
	c.Check(validate.ChatText(p.Text), "text must be 1-500 characters")
	return c.Err()
}

// LeaveRoomPayload leaves a room without dropping the connection.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload is sent only to the originating connection. Expected and
// Received carry the hashes on a file mismatch.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`
}

// FileMetadata describes the host's file so late joiners bootstrap without a
// round trip.
type FileMetadata struct {
	Hash       string       `json:"hash"`
	DurationMS int64        `json:"duration_ms"`
	Size       int64        `json:"size"`
	Codec      domain.Codec `json:"codec"`
}

// JoinedPayload is the roster update emitted to all members on every join.
type JoinedPayload struct {
	RoomID       string                   `json:"roomId"`
	UserID       string                   `json:"userId"`
	HostUserID   string                   `json:"hostUserId"`
	Participants []domain.ParticipantInfo `json:"participants"`
	File         FileMetadata             `json:"file"`
}

// ParticipantLeftPayload is emitted on every leave.
type ParticipantLeftPayload struct {
	UserID       string                   `json:"userId"`
	Participants []domain.ParticipantInfo `json:"participants"`
	WasHost      bool                     `json:"wasHost"`
}

// HostDisconnectedPayload tells followers the grace window has started.
type HostDisconnectedPayload struct {
	GracePeriodMS int64 `json:"gracePeriodMs"`
}

// HostReconnectedPayload tells followers the host is back.
type HostReconnectedPayload struct {
	HostUserID string `json:"hostUserId"`
}

// HostTransferredPayload announces a new host after the grace window.
type HostTransferredPayload struct {
	NewHostUserID string `json:"newHostUserId"`
	Reason        string `json:"reason"`
}

// PongPayload answers a ping on the same connection.
type PongPayload struct {
	Nonce    string `json:"nonce"`
	ClientTS int64  `json:"clientTs"`
	ServerTS int64  `json:"serverTs"`
}

// ReactionBroadcastPayload tags a reaction with its sender and server time.
type ReactionBroadcastPayload struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
	UserID string `json:"userId"`
	At     int64  `json:"at"`
}

// ChatBroadcastPayload tags a chat line with its sender and server time.
type ChatBroadcastPayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	UserID string `json:"userId"`
	At     int64  `json:"at"`
}
