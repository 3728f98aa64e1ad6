package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observer/watchparty/internal/domain"
	"github.com/observer/watchparty/internal/pubsub"
	"github.com/observer/watchparty/internal/room"
)

// Hub routes signaling events between the connections of each room. Local
// fan-out is direct; every fan-out is also published so other instances can
// relay to their own connections.
type Hub struct {
	svc        *room.Service
	timers     *room.GraceTimers
	ps         pubsub.PubSub
	instanceID string
	logger     *slog.Logger

	gracePeriod  time.Duration
	pingInterval time.Duration
	pongWait     time.Duration

	// Room membership of local connections and the matching pub/sub
	// subscriptions, one per room with at least one local connection.
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
	subs  map[string]pubsub.Subscription

	register   chan *Client
	unregister chan *Client
}

// HubConfig carries the tunables the hub needs from the environment.
type HubConfig struct {
	GracePeriod  time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

// NewHub creates a hub bound to the admission service and pub/sub backend.
func NewHub(svc *room.Service, timers *room.GraceTimers, ps pubsub.PubSub, cfg HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		svc:          svc,
		timers:       timers,
		ps:           ps,
		instanceID:   uuid.NewString(),
		logger:       logger,
		gracePeriod:  cfg.GracePeriod,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		rooms:        make(map[string]map[*Client]bool),
		subs:         make(map[string]pubsub.Subscription),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) handleRegister(client *Client) {
	h.logger.Debug("client connected", "conn_id", client.ConnID(), "user_id", client.UserID())
}

func (h *Hub) handleUnregister(client *Client) {
	h.removeFromRoom(client)
	client.closeSend()
	h.logger.Debug("client disconnected", "conn_id", client.ConnID(), "user_id", client.UserID())
}

// HandleMessage processes incoming WebSocket messages
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	switch msg.Event {
	case EventJoinRoom:
		h.handleJoinRoom(client, msg.Payload)
	case EventHostPlay:
		h.handleHostPlay(client, msg.Payload)
	case EventHostPause:
		h.handleHostPause(client, msg.Payload)
	case EventHostSeek:
		h.handleHostSeek(client, msg.Payload)
	case EventHostTimeSync:
		h.handleHostTimeSync(client, msg.Payload)
	case EventHostSpeedChange:
		h.handleHostSpeedChange(client, msg.Payload)
	case EventPing:
		h.handlePing(client, msg.Payload)
	case EventReaction:
		h.handleReaction(client, msg.Payload)
	case EventChatMessage:
		h.handleChatMessage(client, msg.Payload)
	case EventLeaveRoom:
		h.handleLeaveRoom(client)
	default:
		client.sendError(CodeInvalidPayload, "Unknown event: "+msg.Event)
	}
}

func (h *Hub) handleJoinRoom(client *Client, payload json.RawMessage) {
	var p JoinRoomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid joinRoom payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}

	ctx := context.Background()
	r, err := h.svc.GetActiveRoom(ctx, p.RoomID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomExpired):
			client.sendError(CodeRoomExpired, "Room has expired")
		case errors.Is(err, domain.ErrRoomNotFound):
			client.sendError(CodeRoomNotFound, "Room not found")
		default:
			h.logger.Error("room lookup failed", "room_id", p.RoomID, "error", err)
			client.sendError(CodeRoomNotFound, "Room not found")
		}
		return
	}

	role := domain.Role(p.Role)
	switch role {
	case domain.RoleHost:
		if client.UserID() != r.HostUserID {
			client.sendError(CodeUnauthorized, "Only the room creator may join as host")
			return
		}
	case domain.RoleFollower:
		if p.FileHash != r.HostFileHash {
			client.sendErrorPayload(ErrorPayload{
				Code:     CodeFileMismatch,
				Message:  "File hash does not match the room's file",
				Expected: r.HostFileHash,
				Received: p.FileHash,
			})
			return
		}
	}

	// One room binding per connection: joining another room runs the full
	// leave protocol on the current one first.
	if client.RoomID() != "" {
		h.removeFromRoom(client)
	}

	live := h.svc.Registry().Materialize(r.ID, r.HostUserID)
	reconnected, err := live.Join(client.ConnID(), client.UserID(), role, time.Now())
	if err != nil {
		client.sendError(CodeRoomExpired, "Room has been closed")
		return
	}

	h.addToRoom(r.ID, client)
	client.SetRoom(r.ID, role)
	h.svc.RecordJoin(ctx, r.ID, client.UserID(), role, client.ConnID())

	if reconnected {
		h.timers.Cancel(r.ID)
		h.broadcast(r.ID, EventHostReconnected, HostReconnectedPayload{
			HostUserID: client.UserID(),
		}, client)
		h.logger.Info("host reconnected within grace window", "room_id", r.ID, "user_id", client.UserID())
	}

	// Roster update goes to everyone, the joiner included.
	h.broadcast(r.ID, EventJoined, JoinedPayload{
		RoomID:       r.ID,
		UserID:       client.UserID(),
		HostUserID:   live.HostUserID(),
		Participants: live.Roster(),
		File: FileMetadata{
			Hash:       r.HostFileHash,
			DurationMS: r.HostFileDurationMS,
			Size:       r.HostFileSize,
			Codec:      r.HostFileCodec,
		},
	}, nil)

	h.logger.Info("client joined room", "room_id", r.ID, "user_id", client.UserID(), "role", role)
}

func (h *Hub) handleHostPlay(client *Client, payload json.RawMessage) {
	var p HostPlayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid hostPlay payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}

	live, ok := h.liveRoom(client, p.RoomID, false)
	if !ok {
		return
	}
	if err := live.ApplyPlayback(client.ConnID(), p.PositionSec, true); err != nil {
		h.sendControlError(client, err, false)
		return
	}
	if p.PlaybackRate != 0 {
		_ = live.ApplyRate(client.ConnID(), p.PlaybackRate)
	}

	h.relay(client, p.RoomID, EventHostPlay, payload)
	h.svc.RecordEvent(context.Background(), p.RoomID, client.UserID(), "play", p)
}

func (h *Hub) handleHostPause(client *Client, payload json.RawMessage) {
	var p HostPausePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid hostPause payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}

	live, ok := h.liveRoom(client, p.RoomID, false)
	if !ok {
		return
	}
	if err := live.ApplyPlayback(client.ConnID(), p.PositionSec, false); err != nil {
		h.sendControlError(client, err, false)
		return
	}

	h.relay(client, p.RoomID, EventHostPause, payload)
	h.svc.RecordEvent(context.Background(), p.RoomID, client.UserID(), "pause", p)
}

func (h *Hub) handleHostSeek(client *Client, payload json.RawMessage) {
	var p HostSeekPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid hostSeek payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}

	live, ok := h.liveRoom(client, p.RoomID, false)
	if !ok {
		return
	}
	if err := live.ApplySeek(client.ConnID(), p.PositionSec); err != nil {
		h.sendControlError(client, err, false)
		return
	}

	h.relay(client, p.RoomID, EventHostSeek, payload)
	h.svc.RecordEvent(context.Background(), p.RoomID, client.UserID(), "seek", p)
}

// handleHostTimeSync relays the high-rate tick. Errors are swallowed so a
// follower racing a host transfer does not get a storm of error events.
func (h *Hub) handleHostTimeSync(client *Client, payload json.RawMessage) {
	var p HostTimeSyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if err := p.Validate(); err != nil {
		return
	}

	live, ok := h.liveRoom(client, p.RoomID, true)
	if !ok {
		return
	}
	if err := live.ApplyPlayback(client.ConnID(), p.PositionSec, p.IsPlaying); err != nil {
		return
	}

	h.relay(client, p.RoomID, EventHostTimeSync, payload)
}

func (h *Hub) handleHostSpeedChange(client *Client, payload json.RawMessage) {
	var p HostSpeedChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid hostSpeedChange payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}

	live, ok := h.liveRoom(client, p.RoomID, false)
	if !ok {
		return
	}
	if err := live.ApplyRate(client.ConnID(), p.PlaybackRate); err != nil {
		h.sendControlError(client, err, false)
		return
	}

	h.relay(client, p.RoomID, EventHostSpeedChange, payload)
}

// handlePing answers on the same connection only, echoing the nonce.
func (h *Hub) handlePing(client *Client, payload json.RawMessage) {
	var p PingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid ping payload")
		return
	}
	if client.RoomID() == "" {
		client.sendError(CodeUnauthorized, "Not a member of a room")
		return
	}

	msg, _ := NewMessage(EventPong, PongPayload{
		Nonce:    p.Nonce,
		ClientTS: p.TS,
		ServerTS: time.Now().UnixMilli(),
	})
	_ = client.Send(msg)
}

func (h *Hub) handleReaction(client *Client, payload json.RawMessage) {
	var p ReactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid reaction payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}
	if client.RoomID() != p.RoomID {
		client.sendError(CodeUnauthorized, "Not a member of this room")
		return
	}

	h.broadcast(p.RoomID, EventReaction, ReactionBroadcastPayload{
		RoomID: p.RoomID,
		Type:   p.Type,
		UserID: client.UserID(),
		At:     time.Now().UnixMilli(),
	}, client)
	h.svc.RecordEvent(context.Background(), p.RoomID, client.UserID(), "reaction", p)
}

func (h *Hub) handleChatMessage(client *Client, payload json.RawMessage) {
	var p ChatMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(CodeInvalidPayload, "Invalid chatMessage payload")
		return
	}
	if err := p.Validate(); err != nil {
		client.sendError(CodeInvalidPayload, err.Error())
		return
	}
	if client.RoomID() != p.RoomID {
		client.sendError(CodeUnauthorized, "Not a member of this room")
		return
	}

	// Chat is echoed back to the sender so every member renders the same log.
	h.broadcast(p.RoomID, EventChatMessage, ChatBroadcastPayload{
		RoomID: p.RoomID,
		Text:   p.Text,
		UserID: client.UserID(),
		At:     time.Now().UnixMilli(),
	}, nil)
	h.svc.RecordEvent(context.Background(), p.RoomID, client.UserID(), "chat", p)
}

func (h *Hub) handleLeaveRoom(client *Client) {
	h.removeFromRoom(client)
}

// liveRoom resolves the live entry for a control event. quiet suppresses
// error events for the high-rate tick.
func (h *Hub) liveRoom(client *Client, roomID string, quiet bool) (*room.LiveRoom, bool) {
	live, ok := h.svc.Registry().Get(roomID)
	if !ok {
		if !quiet {
			client.sendError(CodeRoomNotFound, "Room is not live")
		}
		return nil, false
	}
	return live, true
}

func (h *Hub) sendControlError(client *Client, err error, quiet bool) {
	if quiet {
		return
	}
	switch {
	case errors.Is(err, room.ErrNotHostConn):
		client.sendError(CodeUnauthorized, "Only the host may control playback")
	case errors.Is(err, room.ErrRoomClosed):
		client.sendError(CodeRoomExpired, "Room has been closed")
	default:
		client.sendError(CodeInvalidPayload, err.Error())
	}
}

// relay fans a control event out to every connection except the sender,
// forwarding the payload bytes untouched.
func (h *Hub) relay(sender *Client, roomID, event string, payload json.RawMessage) {
	h.deliverLocal(roomID, &Message{Event: event, Payload: payload}, sender)
	h.publish(roomID, event, payload, sender.UserID())
}

// broadcast marshals a server-built payload and fans it out. except nil
// delivers to everyone, the sender included.
func (h *Hub) broadcast(roomID, event string, payload interface{}, except *Client) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		h.logger.Error("failed to create broadcast message", "error", err)
		return
	}
	h.deliverLocal(roomID, msg, except)

	excludeUser := ""
	if except != nil {
		excludeUser = except.UserID()
	}
	h.publish(roomID, event, msg.Payload, excludeUser)
}

func (h *Hub) deliverLocal(roomID string, msg *Message, except *Client) {
	h.mu.RLock()
	members, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(members))
	for client := range members {
		if client != except {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		_ = client.Send(msg)
	}
}

func (h *Hub) publish(roomID, event string, payload json.RawMessage, excludeUser string) {
	topic := pubsub.RoomTopic(roomID)
	err := h.ps.Publish(context.Background(), topic, &pubsub.Message{
		Topic:       topic,
		Event:       event,
		Payload:     payload,
		Origin:      h.instanceID,
		ExcludeUser: excludeUser,
	})
	if err != nil {
		h.logger.Warn("pubsub publish failed", "room_id", roomID, "event", event, "error", err)
	}
}

// addToRoom tracks a local connection and opens the room's pub/sub
// subscription on the first one.
func (h *Hub) addToRoom(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true

	if _, ok := h.subs[roomID]; !ok {
		sub, err := h.ps.Subscribe(context.Background(), pubsub.RoomTopic(roomID), func(ctx context.Context, msg *pubsub.Message) {
			h.handleRemote(roomID, msg)
		})
		if err != nil {
			h.logger.Error("room subscription failed", "room_id", roomID, "error", err)
			return
		}
		h.subs[roomID] = sub
	}
}

// handleRemote delivers a fan-out published by another instance (or by the
// admission service) to this instance's local connections.
func (h *Hub) handleRemote(roomID string, msg *pubsub.Message) {
	if msg.Origin == h.instanceID {
		return
	}

	h.mu.RLock()
	members, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(members))
	for client := range members {
		if msg.ExcludeUser != "" && client.UserID() == msg.ExcludeUser {
			continue
		}
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	out := &Message{Event: msg.Event, Payload: msg.Payload}
	for _, client := range clients {
		_ = client.Send(out)
	}
}

// removeFromRoom detaches a connection from its room and runs the leave
// protocol: roster update, sympathetic pause, grace window on host loss.
func (h *Hub) removeFromRoom(client *Client) {
	roomID := client.RoomID()
	if roomID == "" {
		return
	}
	client.ClearRoom()

	h.mu.Lock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
			if sub, ok := h.subs[roomID]; ok {
				_ = sub.Unsubscribe()
				delete(h.subs, roomID)
			}
		}
	}
	h.mu.Unlock()

	live, ok := h.svc.Registry().Get(roomID)
	if !ok {
		return
	}
	res := live.Leave(client.ConnID(), time.Now())
	if !res.Found {
		return
	}

	ctx := context.Background()
	h.svc.RecordLeave(ctx, roomID, res.UserID)

	h.broadcast(roomID, EventParticipantLeft, ParticipantLeftPayload{
		UserID:       res.UserID,
		Participants: live.Roster(),
		WasHost:      res.WasHost,
	}, nil)

	if res.WasHost {
		h.broadcast(roomID, EventHostDisconnected, HostDisconnectedPayload{
			GracePeriodMS: h.gracePeriod.Milliseconds(),
		}, nil)
		h.timers.Schedule(roomID, h.gracePeriod, func() {
			h.graceExpired(roomID)
		})
		h.logger.Info("host disconnected, grace window started",
			"room_id", roomID, "user_id", res.UserID, "grace", h.gracePeriod)
		return
	}

	// Any participant leaving mid-playback pauses the room for the rest.
	if res.WasPlaying {
		live.Pause()
		h.broadcast(roomID, EventHostPause, HostPausePayload{
			RoomID:          roomID,
			PositionSec:     res.Position,
			HostTimestampMS: time.Now().UnixMilli(),
			Reason:          "Participant left",
		}, nil)
	}
}

// graceExpired runs when the host-disconnect window elapses. State is
// re-read at fire time: a reconnect or close in the meantime wins.
func (h *Hub) graceExpired(roomID string) {
	live, ok := h.svc.Registry().Get(roomID)
	if !ok {
		return
	}

	st := live.GraceState()
	if st.HostConnected || !st.HostDisconnected {
		return
	}

	if st.Participants == 0 {
		h.svc.ForceClose(context.Background(), roomID, "host did not reconnect")
		return
	}

	newHostUserID, _, ok := live.PromoteEarliest()
	if !ok {
		h.svc.ForceClose(context.Background(), roomID, "host did not reconnect")
		return
	}

	h.broadcast(roomID, EventHostTransferred, HostTransferredPayload{
		NewHostUserID: newHostUserID,
		Reason:        "Host did not reconnect within grace period",
	}, nil)
	h.logger.Info("host transferred after grace window", "room_id", roomID, "new_host", newHostUserID)
}
