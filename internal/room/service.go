package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/observer/watchparty/internal/domain"
)

const maxIDAttempts = 10

// MetadataStore is the durable projection consumed by the admission service.
// GetRoom returns domain.ErrRoomNotFound when no row exists.
type MetadataStore interface {
	UpsertUser(ctx context.Context, userID, email, phone string) error
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	CloseRoom(ctx context.Context, id string, at time.Time) error
	AddParticipant(ctx context.Context, p *domain.Participant) error
	SetParticipantStatus(ctx context.Context, roomID, userID string, connected bool) error
	GetParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
	AppendEvent(ctx context.Context, ev *domain.RoomEvent) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Broadcaster lets the admission service reach live room connections without
// depending on the signaling hub directly.
type Broadcaster interface {
	BroadcastPause(ctx context.Context, roomID string, position float64, reason string) error
}

// Service implements the admission operations: create, validate, close,
// rejoin, leave-temporary and the existence probe. Every operation degrades
// to memory-only when the store is unavailable; created rooms are always
// cached in memory so reads survive a store that flaps mid-request.
type Service struct {
	store       MetadataStore // nil in memory-only mode
	registry    *Registry
	gen         *IDGenerator
	broadcaster Broadcaster
	logger      *slog.Logger

	shareBaseURL      string
	defaultExpiryDays int

	mu    sync.RWMutex
	rooms map[string]*domain.Room
	users map[string]bool

	now func() time.Time
}

// NewService creates the admission service. store may be nil (memory-only
// mode); broadcaster may be nil in tests.
func NewService(store MetadataStore, registry *Registry, gen *IDGenerator, broadcaster Broadcaster, shareBaseURL string, defaultExpiryDays int, logger *slog.Logger) *Service {
	return &Service{
		store:             store,
		registry:          registry,
		gen:               gen,
		broadcaster:       broadcaster,
		logger:            logger.With("component", "rooms"),
		shareBaseURL:      shareBaseURL,
		defaultExpiryDays: defaultExpiryDays,
		rooms:             make(map[string]*domain.Room),
		users:             make(map[string]bool),
		now:               time.Now,
	}
}

// Registry exposes the live registry for the signaling hub.
func (s *Service) Registry() *Registry { return s.registry }

// CreateParams are the validated inputs for room creation.
type CreateParams struct {
	HostUserID    string
	Email         string
	Phone         string
	FileHash      string
	DurationMS    int64
	FileSize      int64
	Codec         domain.Codec
	ExpiresInDays int // 0 means the configured default
	Passcode      string
}

// CreateResult is returned to the creating host.
type CreateResult struct {
	RoomID    string    `json:"roomId"`
	ShareURL  string    `json:"shareUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Create allocates a room bound to the host's file.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	now := s.now()

	s.ensureUser(ctx, p.HostUserID, p.Email, p.Phone)

	id, err := s.allocateID(ctx)
	if err != nil {
		return nil, err
	}

	expiryDays := p.ExpiresInDays
	if expiryDays == 0 {
		expiryDays = s.defaultExpiryDays
	}

	room := &domain.Room{
		ID:                 id,
		HostUserID:         p.HostUserID,
		HostFileHash:       p.FileHash,
		HostFileDurationMS: p.DurationMS,
		HostFileSize:       p.FileSize,
		HostFileCodec:      p.Codec,
		CreatedAt:          now,
		ExpiresAt:          now.AddDate(0, 0, expiryDays),
		IsActive:           true,
	}

	if p.Passcode != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Passcode), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash passcode: %w", err)
		}
		room.PasscodeHash = string(hash)
	}

	if s.store != nil {
		if err := s.store.CreateRoom(ctx, room); err != nil {
			s.logger.Error("store create failed, room is memory-only", "room_id", id, "error", err)
		}
	}

	// Always cache in memory so reads survive a store outage.
	s.mu.Lock()
	s.rooms[id] = room
	s.mu.Unlock()

	s.logger.Info("room created", "room_id", id, "host", p.HostUserID, "expires_at", room.ExpiresAt)

	return &CreateResult{
		RoomID:    id,
		ShareURL:  s.shareBaseURL + "/room/" + id,
		ExpiresAt: room.ExpiresAt,
	}, nil
}

func (s *Service) ensureUser(ctx context.Context, userID, email, phone string) {
	if s.store != nil {
		if err := s.store.UpsertUser(ctx, userID, email, phone); err != nil {
			s.logger.Warn("user upsert failed, tracking in memory", "user_id", userID, "error", err)
		}
	}
	s.mu.Lock()
	s.users[userID] = true
	s.mu.Unlock()
}

func (s *Service) allocateID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.gen.NewID()
		if err != nil {
			return "", err
		}
		if s.idTaken(ctx, id) {
			continue
		}
		return id, nil
	}
	return "", domain.ErrRoomIDExhausted
}

func (s *Service) idTaken(ctx context.Context, id string) bool {
	s.mu.RLock()
	_, cached := s.rooms[id]
	s.mu.RUnlock()
	if cached {
		return true
	}
	if s.store == nil {
		return false
	}
	_, err := s.store.GetRoom(ctx, id)
	if err == nil {
		return true
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		// Store unreachable: the memory map is the only collision check.
		s.logger.Warn("collision check degraded to memory", "room_id", id, "error", err)
	}
	return false
}

// getRoom reads the store first, then the memory cache. Callers get a
// private copy: the cached row is only ever mutated under s.mu, so the copy
// can be read and JSON-encoded without holding the lock. StorageUnavailable
// surfaces only when the store errored and the room was never memory-cached.
func (s *Service) getRoom(ctx context.Context, id string) (*domain.Room, error) {
	var storeErr error
	if s.store != nil {
		room, err := s.store.GetRoom(ctx, id)
		if err == nil {
			s.mu.Lock()
			s.rooms[id] = room
			cp := *room
			s.mu.Unlock()
			return &cp, nil
		}
		if !errors.Is(err, domain.ErrRoomNotFound) {
			storeErr = err
		}
	}

	s.mu.RLock()
	room, ok := s.rooms[id]
	var cp domain.Room
	if ok {
		cp = *room
	}
	s.mu.RUnlock()
	if ok {
		return &cp, nil
	}

	if storeErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, storeErr)
	}
	return nil, domain.ErrRoomNotFound
}

// Validate checks admission to a room and returns its metadata. The host
// file hash is returned so the client can cross-check locally.
func (s *Service) Validate(ctx context.Context, roomID, fileHash, passcode string) (*domain.ValidateResult, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if room.Expired(s.now()) {
		s.closeRoom(ctx, room.ID, s.now())
		return nil, domain.ErrRoomExpired
	}

	if room.RequiresPasscode() {
		if passcode == "" {
			return nil, domain.ErrPasscodeRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(room.PasscodeHash), []byte(passcode)) != nil {
			return nil, domain.ErrInvalidPasscode
		}
	}

	return &domain.ValidateResult{
		Room:             room,
		HashMatches:      fileHash != "" && fileHash == room.HostFileHash,
		RequiresPasscode: room.RequiresPasscode(),
	}, nil
}

// GetActiveRoom returns the room if it exists and still admits joins.
// Used by the signaling hub's joinRoom admission check.
func (s *Service) GetActiveRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Expired(s.now()) {
		return nil, domain.ErrRoomExpired
	}
	return room, nil
}

// Close ends a room. Only the recorded host may close it; double-close
// succeeds. Live connections are not terminated here.
func (s *Service) Close(ctx context.Context, roomID, callerID string) error {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if callerID != room.HostUserID {
		return domain.ErrForbidden
	}
	s.closeRoom(ctx, room.ID, s.now())
	s.logger.Info("room closed by host", "room_id", roomID, "host", callerID)
	return nil
}

// ForceClose ends a room from an internal path (grace expiry, sweep).
func (s *Service) ForceClose(ctx context.Context, roomID, reason string) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return
	}
	s.closeRoom(ctx, room.ID, s.now())
	s.registry.Delete(roomID)
	s.logger.Info("room force-closed", "room_id", roomID, "reason", reason)
}

func (s *Service) closeRoom(ctx context.Context, id string, at time.Time) {
	s.mu.Lock()
	if room, ok := s.rooms[id]; ok && room.IsActive {
		room.IsActive = false
		t := at
		room.ClosedAt = &t
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.CloseRoom(ctx, id, at); err != nil {
			s.logger.Warn("store close failed", "room_id", id, "error", err)
		}
	}

	if live, ok := s.registry.Get(id); ok {
		live.MarkClosed()
	}
}

// RejoinResult is the snapshot handed to a returning participant. VideoID is
// the host file hash reused as an opaque identifier.
type RejoinResult struct {
	RoomID          string                   `json:"roomId"`
	VideoID         string                   `json:"videoId"`
	PlaybackState   string                   `json:"playbackState"`
	CurrentPosition float64                  `json:"currentPosition"`
	Participants    []domain.ParticipantInfo `json:"participants"`
}

// Rejoin marks the caller connected in the projection and returns the live
// snapshot, or a synthesized paused-at-zero snapshot if the room is not live.
func (s *Service) Rejoin(ctx context.Context, roomID, callerID string) (*RejoinResult, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Expired(s.now()) {
		return nil, domain.ErrRoomExpired
	}

	if s.store != nil {
		if err := s.store.SetParticipantStatus(ctx, roomID, callerID, true); err != nil {
			s.logger.Warn("participant status update failed", "room_id", roomID, "user_id", callerID, "error", err)
		}
	}

	res := &RejoinResult{
		RoomID:        roomID,
		VideoID:       room.HostFileHash,
		PlaybackState: "paused",
	}

	if live, ok := s.registry.Get(roomID); ok {
		snap := live.Snapshot()
		res.CurrentPosition = snap.CurrentPosition
		if snap.IsPlaying {
			res.PlaybackState = "playing"
		}
		res.Participants = snap.Participants
		return res, nil
	}

	res.Participants = s.durableRoster(ctx, roomID)
	return res, nil
}

func (s *Service) durableRoster(ctx context.Context, roomID string) []domain.ParticipantInfo {
	roster := []domain.ParticipantInfo{}
	if s.store == nil {
		return roster
	}
	participants, err := s.store.GetParticipants(ctx, roomID)
	if err != nil {
		s.logger.Warn("roster read failed", "room_id", roomID, "error", err)
		return roster
	}
	for _, p := range participants {
		roster = append(roster, domain.ParticipantInfo{
			UserID:   p.UserID,
			Role:     p.Role,
			JoinedAt: p.JoinedAt,
			IsOnline: p.IsConnected,
		})
	}
	return roster
}

// LeaveTemporary marks the caller disconnected and, if the room is live,
// pauses playback for everyone. Any participant leaving pauses the room.
// Always best-effort; reports whether a pause was issued.
func (s *Service) LeaveTemporary(ctx context.Context, roomID, callerID string) bool {
	if s.store != nil {
		if err := s.store.SetParticipantStatus(ctx, roomID, callerID, false); err != nil {
			s.logger.Warn("participant status update failed", "room_id", roomID, "user_id", callerID, "error", err)
		}
	}

	live, ok := s.registry.Get(roomID)
	if !ok {
		return false
	}

	position := live.Pause()
	if s.broadcaster != nil {
		if err := s.broadcaster.BroadcastPause(ctx, roomID, position, "Participant left"); err != nil {
			s.logger.Warn("pause broadcast failed", "room_id", roomID, "error", err)
		}
	}
	return true
}

// Probe reports whether a room exists and is active. Unauthenticated.
func (s *Service) Probe(ctx context.Context, roomID string) (bool, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return !room.Expired(s.now()), nil
}

// Details returns the room row plus its roster for authenticated detail
// reads. The roster prefers live state, falling back to the projection.
func (s *Service) Details(ctx context.Context, roomID string) (*domain.Room, []domain.ParticipantInfo, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if live, ok := s.registry.Get(roomID); ok {
		return room, live.Roster(), nil
	}
	return room, s.durableRoster(ctx, roomID), nil
}

// RecordJoin updates the durable projection and event log after a
// successful signaling join. Best-effort.
func (s *Service) RecordJoin(ctx context.Context, roomID, userID string, role domain.Role, connID string) {
	s.ensureUser(ctx, userID, "", "")
	if s.store == nil {
		return
	}
	if err := s.store.AddParticipant(ctx, &domain.Participant{
		RoomID:       roomID,
		UserID:       userID,
		Role:         role,
		JoinedAt:     s.now(),
		IsConnected:  true,
		ConnectionID: connID,
	}); err != nil {
		s.logger.Warn("participant projection write failed", "room_id", roomID, "user_id", userID, "error", err)
	}
	s.RecordEvent(ctx, roomID, userID, "join", nil)
}

// RecordLeave updates the durable projection after a disconnect. Best-effort.
func (s *Service) RecordLeave(ctx context.Context, roomID, userID string) {
	if s.store == nil {
		return
	}
	if err := s.store.SetParticipantStatus(ctx, roomID, userID, false); err != nil {
		s.logger.Warn("participant projection write failed", "room_id", roomID, "user_id", userID, "error", err)
	}
	s.RecordEvent(ctx, roomID, userID, "leave", nil)
}

// RecordEvent appends to the room event log. Best-effort: failures are
// logged and swallowed, never propagated into the signaling path.
func (s *Service) RecordEvent(ctx context.Context, roomID, userID, eventType string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendEvent(ctx, &domain.RoomEvent{
		RoomID:    roomID,
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		At:        s.now(),
	}); err != nil {
		s.logger.Warn("event log write failed", "room_id", roomID, "event", eventType, "error", err)
	}
}

// SweepLoop lazily closes expired rooms on a fixed interval until ctx ends.
func (s *Service) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := s.now()

	if s.store != nil {
		if n, err := s.store.SweepExpired(ctx, now); err != nil {
			s.logger.Warn("expiry sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("expired rooms closed", "count", n)
		}
	}

	s.mu.Lock()
	var expired []string
	for id, room := range s.rooms {
		if room.IsActive && now.After(room.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.closeRoom(ctx, id, now)
	}
}
