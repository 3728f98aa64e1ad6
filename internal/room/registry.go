package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/observer/watchparty/internal/domain"
)

var (
	// ErrNotHostConn is returned when a control mutation comes from a
	// connection that is not the room's live host connection.
	ErrNotHostConn = errors.New("connection is not the room host")

	// ErrRoomClosed is returned when mutating a room that was closed while
	// connections were still attached.
	ErrRoomClosed = errors.New("room has been closed")
)

// Member is a live participant keyed by connection id.
type Member struct {
	UserID   string
	Role     domain.Role
	JoinedAt time.Time
}

// LiveRoom is the in-memory state of an active room. All mutations happen
// under the room's own mutex; fan-out snapshots the recipient set inside the
// lock and writes to transports outside it.
type LiveRoom struct {
	mu sync.Mutex

	id                 string
	hostUserID         string
	hostConnID         string
	hostDisconnectedAt *time.Time
	participants       map[string]*Member // connection id -> member
	position           float64
	playing            bool
	rate               float64
	closed             bool
}

func newLiveRoom(id, hostUserID string) *LiveRoom {
	return &LiveRoom{
		id:           id,
		hostUserID:   hostUserID,
		participants: make(map[string]*Member),
		rate:         1.0,
	}
}

// ID returns the room id.
func (r *LiveRoom) ID() string { return r.id }

// Join admits a connection. For the host role it takes over the host
// connection slot; reconnected reports whether this cleared a pending
// host-disconnect window.
func (r *LiveRoom) Join(connID, userID string, role domain.Role, now time.Time) (reconnected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRoomClosed
	}

	r.participants[connID] = &Member{UserID: userID, Role: role, JoinedAt: now}
	if role == domain.RoleHost {
		reconnected = r.hostDisconnectedAt != nil
		r.hostConnID = connID
		r.hostUserID = userID
		r.hostDisconnectedAt = nil
	}
	return reconnected, nil
}

// LeaveResult describes the outcome of removing a connection.
type LeaveResult struct {
	Found      bool
	UserID     string
	WasHost    bool
	WasPlaying bool
	Position   float64
	Remaining  int
}

// Leave removes a connection. If it was the host connection the room enters
// the host-disconnect window; if a follower leaves mid-playback the room is
// paused in sympathy.
func (r *LiveRoom) Leave(connID string, now time.Time) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok {
		return LeaveResult{}
	}
	delete(r.participants, connID)

	res := LeaveResult{
		Found:      true,
		UserID:     m.UserID,
		WasHost:    connID == r.hostConnID,
		WasPlaying: r.playing,
		Position:   r.position,
		Remaining:  len(r.participants),
	}

	if res.WasHost {
		r.hostConnID = ""
		t := now
		r.hostDisconnectedAt = &t
	} else if r.playing {
		r.playing = false
	}
	return res
}

// ApplyPlayback mutates position/playing state. Authority is enforced here:
// only the live host connection may mutate, at the instant of mutation.
func (r *LiveRoom) ApplyPlayback(connID string, position float64, playing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if connID != r.hostConnID || connID == "" {
		return ErrNotHostConn
	}
	r.position = position
	r.playing = playing
	return nil
}

// ApplySeek moves the position without touching the playing state.
func (r *LiveRoom) ApplySeek(connID string, position float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if connID != r.hostConnID || connID == "" {
		return ErrNotHostConn
	}
	r.position = position
	return nil
}

// ApplyRate records a playback-rate change from the host connection.
func (r *LiveRoom) ApplyRate(connID string, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if connID != r.hostConnID || connID == "" {
		return ErrNotHostConn
	}
	r.rate = rate
	return nil
}

// IsHostConn reports whether connID is the live host connection.
func (r *LiveRoom) IsHostConn(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return connID != "" && connID == r.hostConnID
}

// HasMember reports whether the connection is in the room.
func (r *LiveRoom) HasMember(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[connID]
	return ok
}

// HostUserID returns the current in-memory host user.
func (r *LiveRoom) HostUserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostUserID
}

// Pause forces playback to paused and returns the current position.
func (r *LiveRoom) Pause() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
	return r.position
}

// MarkClosed flags the room so further host events are rejected. Existing
// connections are not terminated; the hub observes the flag on next event.
func (r *LiveRoom) MarkClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// GraceState is the re-read the deferred grace action performs at fire time.
type GraceState struct {
	HostConnected    bool
	HostDisconnected bool
	Participants     int
}

func (r *LiveRoom) GraceState() GraceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return GraceState{
		HostConnected:    r.hostConnID != "",
		HostDisconnected: r.hostDisconnectedAt != nil,
		Participants:     len(r.participants),
	}
}

// PromoteEarliest transfers the host role to the earliest-joined remaining
// participant. The role is mutated in place and the disconnect window
// cleared. Returns false if the room is empty.
func (r *LiveRoom) PromoteEarliest() (newHostUserID, newHostConnID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest *Member
	for connID, m := range r.participants {
		if earliest == nil || m.JoinedAt.Before(earliest.JoinedAt) {
			earliest = m
			newHostConnID = connID
		}
	}
	if earliest == nil {
		return "", "", false
	}

	earliest.Role = domain.RoleHost
	r.hostUserID = earliest.UserID
	r.hostConnID = newHostConnID
	r.hostDisconnectedAt = nil
	return earliest.UserID, newHostConnID, true
}

// Snapshot returns the playback state and roster for bootstrap/rejoin.
func (r *LiveRoom) Snapshot() domain.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return domain.RoomSnapshot{
		RoomID:          r.id,
		IsPlaying:       r.playing,
		CurrentPosition: r.position,
		Participants:    r.rosterLocked(),
	}
}

// Roster returns the live participant list, ordered by join time.
func (r *LiveRoom) Roster() []domain.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *LiveRoom) rosterLocked() []domain.ParticipantInfo {
	roster := make([]domain.ParticipantInfo, 0, len(r.participants))
	for _, m := range r.participants {
		roster = append(roster, domain.ParticipantInfo{
			UserID:   m.UserID,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
			IsOnline: true,
		})
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// Registry is the process-wide map of live rooms. Entries are lazily
// materialized on the first successful signaling join and destroyed when the
// grace window elapses with nobody left.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*LiveRoom
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*LiveRoom)}
}

// Get returns the live entry for a room, if materialized.
func (reg *Registry) Get(id string) (*LiveRoom, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Materialize returns the live entry, creating it on first join.
func (reg *Registry) Materialize(id, hostUserID string) *LiveRoom {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[id]; ok {
		return r
	}
	r := newLiveRoom(id, hostUserID)
	reg.rooms[id] = r
	return r
}

// Delete destroys the live entry.
func (reg *Registry) Delete(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
