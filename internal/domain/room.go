package domain

import "time"

// Role of a participant within a room.
type Role string

const (
	RoleHost     Role = "host"
	RoleFollower Role = "follower"
)

// Codec describes the host file's encoding so followers can cross-check
// their local copy before joining.
type Codec struct {
	Video      string `json:"video"`
	Audio      string `json:"audio"`
	Resolution string `json:"resolution,omitempty"`
}

// Room is the durable metadata row for a co-watching room. The server never
// touches the media itself; HostFileHash is the admission key binding the
// room to one specific file.
type Room struct {
	ID                 string     `json:"room_id"`
	HostUserID         string     `json:"host_user_id"`
	HostFileHash       string     `json:"host_file_hash"`
	HostFileDurationMS int64      `json:"host_file_duration_ms"`
	HostFileSize       int64      `json:"host_file_size"`
	HostFileCodec      Codec      `json:"host_file_codec"`
	PasscodeHash       string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	IsActive           bool       `json:"is_active"`
}

// Expired reports whether the room should no longer admit anyone.
// is_active is monotone true->false; expiry is enforced lazily by callers.
func (r *Room) Expired(now time.Time) bool {
	return !r.IsActive || now.After(r.ExpiresAt)
}

// RequiresPasscode reports whether admission needs a passcode.
func (r *Room) RequiresPasscode() bool {
	return r.PasscodeHash != ""
}

// Participant is the durable projection of room membership. It is lossy by
// design: the live system is the source of truth while a room is live.
type Participant struct {
	RoomID       string     `json:"room_id"`
	UserID       string     `json:"user_id"`
	Role         Role       `json:"role"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	IsConnected  bool       `json:"is_connected"`
	ConnectionID string     `json:"connection_id,omitempty"`
}

// ParticipantInfo is the roster entry embedded in snapshots and fan-outs.
type ParticipantInfo struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	IsOnline bool      `json:"is_online"`
}

// RoomSnapshot is the playback state handed to a rejoining client.
type RoomSnapshot struct {
	RoomID          string            `json:"room_id"`
	IsPlaying       bool              `json:"is_playing"`
	CurrentPosition float64           `json:"current_position"`
	Participants    []ParticipantInfo `json:"participants"`
}

// ValidateResult is the admission check outcome returned by validate.
// The host file hash is returned deliberately so clients cross-check locally.
type ValidateResult struct {
	Room             *Room `json:"room"`
	HashMatches      bool  `json:"hash_matches"`
	RequiresPasscode bool  `json:"requires_passcode"`
}

// RoomEvent is an append-only log row. Loss does not affect correctness of
// the live system.
type RoomEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}
