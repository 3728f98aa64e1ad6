package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/pubsub"
	"github.com/observer/watchparty/internal/room"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type hubFixture struct {
	hub    *Hub
	svc    *room.Service
	timers *room.GraceTimers
	roomID string
	hash   string
}

// newHubFixture builds a memory-only hub with one room owned by "host-1".
func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	logger := testLogger()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	registry := room.NewRegistry()
	broadcaster := NewPubSubBroadcaster(ps)
	svc := room.NewService(nil, registry, room.NewIDGenerator(6), broadcaster, "http://x", 7, logger)

	hash := strings.Repeat("ab12", 16)
	res, err := svc.Create(context.Background(), room.CreateParams{
		HostUserID: "host-1",
		FileHash:   hash,
		DurationMS: 5_400_000,
		FileSize:   1_000_000,
	})
	require.NoError(t, err)

	timers := room.NewGraceTimers()
	t.Cleanup(timers.Stop)

	hub := NewHub(svc, timers, ps, HubConfig{
		GracePeriod:  30 * time.Millisecond,
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
	}, logger)

	return &hubFixture{hub: hub, svc: svc, timers: timers, roomID: res.RoomID, hash: hash}
}

func (f *hubFixture) newClient(t *testing.T, userID string) *Client {
	t.Helper()
	return NewClient(f.hub, nil, &auth.Identity{UserID: userID}, testLogger())
}

func (f *hubFixture) join(t *testing.T, c *Client, role string) {
	t.Helper()
	f.hub.HandleMessage(c, envelope(t, EventJoinRoom, JoinRoomPayload{
		RoomID:   f.roomID,
		Role:     role,
		FileHash: f.hash,
	}))
}

func envelope(t *testing.T, event string, payload interface{}) *Message {
	t.Helper()
	msg, err := NewMessage(event, payload)
	require.NoError(t, err)
	return msg
}

// drain empties the client's send buffer and decodes every envelope.
func drain(t *testing.T, c *Client) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case data := <-c.send:
			var m Message
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func eventNames(msgs []Message) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.Event
	}
	return names
}

func findEvent(t *testing.T, msgs []Message, event string) Message {
	t.Helper()
	for _, m := range msgs {
		if m.Event == event {
			return m
		}
	}
	t.Fatalf("no %s event in %v", event, eventNames(msgs))
	return Message{}
}

func TestHub_JoinDeliversRosterAndFileMetadata(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")

	f.join(t, host, "host")
	f.join(t, follower, "follower")

	// The joiner is echoed its own joined event.
	followerMsgs := drain(t, follower)
	joined := findEvent(t, followerMsgs, EventJoined)

	var p JoinedPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &p))
	assert.Equal(t, f.roomID, p.RoomID)
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "host-1", p.HostUserID)
	assert.Len(t, p.Participants, 2)
	assert.Equal(t, f.hash, p.File.Hash)
	assert.Equal(t, int64(5_400_000), p.File.DurationMS)

	// The host saw both joins.
	hostMsgs := drain(t, host)
	assert.Equal(t, []string{EventJoined, EventJoined}, eventNames(hostMsgs))
}

func TestHub_JoinRoomNotFound(t *testing.T) {
	f := newHubFixture(t)
	c := f.newClient(t, "bob")

	f.hub.HandleMessage(c, envelope(t, EventJoinRoom, JoinRoomPayload{
		RoomID: "ZZZZZZ", Role: "follower", FileHash: f.hash,
	}))

	msgs := drain(t, c)
	errMsg := findEvent(t, msgs, EventError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &p))
	assert.Equal(t, CodeRoomNotFound, p.Code)
}

func TestHub_JoinFileMismatchCarriesBothHashes(t *testing.T) {
	f := newHubFixture(t)
	c := f.newClient(t, "bob")
	wrong := strings.Repeat("ff00", 16)

	f.hub.HandleMessage(c, envelope(t, EventJoinRoom, JoinRoomPayload{
		RoomID: f.roomID, Role: "follower", FileHash: wrong,
	}))

	msgs := drain(t, c)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, msgs, EventError).Payload, &p))
	assert.Equal(t, CodeFileMismatch, p.Code)
	assert.Equal(t, f.hash, p.Expected)
	assert.Equal(t, wrong, p.Received)

	// A rejected join leaves no membership behind.
	assert.Equal(t, "", c.RoomID())
}

func TestHub_JoinHostRoleRequiresCreator(t *testing.T) {
	f := newHubFixture(t)
	impostor := f.newClient(t, "not-the-host")

	f.hub.HandleMessage(impostor, envelope(t, EventJoinRoom, JoinRoomPayload{
		RoomID: f.roomID, Role: "host", FileHash: f.hash,
	}))

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, impostor), EventError).Payload, &p))
	assert.Equal(t, CodeUnauthorized, p.Code)
}

func TestHub_HostPlayRelaysExactPayloadToFollowersOnly(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.HandleMessage(host, envelope(t, EventHostPlay, HostPlayPayload{
		RoomID: f.roomID, PositionSec: 93.25, HostTimestampMS: 1700000000123,
	}))

	// Follower receives position and timestamp untouched.
	play := findEvent(t, drain(t, follower), EventHostPlay)
	var p HostPlayPayload
	require.NoError(t, json.Unmarshal(play.Payload, &p))
	assert.Equal(t, 93.25, p.PositionSec)
	assert.Equal(t, int64(1700000000123), p.HostTimestampMS)

	// The sender gets nothing back.
	assert.Empty(t, drain(t, host))
}

func TestHub_FollowerControlRejected(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.HandleMessage(follower, envelope(t, EventHostPause, HostPausePayload{
		RoomID: f.roomID, PositionSec: 10, HostTimestampMS: 1,
	}))

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, follower), EventError).Payload, &p))
	assert.Equal(t, CodeUnauthorized, p.Code)

	// Nothing was relayed to the host.
	assert.Empty(t, drain(t, host))
}

func TestHub_TimeSyncErrorsAreSuppressed(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	// A follower racing a host transfer must not get an error storm.
	f.hub.HandleMessage(follower, envelope(t, EventHostTimeSync, HostTimeSyncPayload{
		RoomID: f.roomID, PositionSec: 10, HostTimestampMS: 1, IsPlaying: true,
	}))

	assert.Empty(t, drain(t, follower))
	assert.Empty(t, drain(t, host))
}

func TestHub_PingAnswersSameConnection(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	before := time.Now().UnixMilli()
	f.hub.HandleMessage(host, envelope(t, EventPing, PingPayload{Nonce: "n-42", TS: 1234}))

	pong := findEvent(t, drain(t, host), EventPong)
	var p PongPayload
	require.NoError(t, json.Unmarshal(pong.Payload, &p))
	assert.Equal(t, "n-42", p.Nonce)
	assert.Equal(t, int64(1234), p.ClientTS)
	assert.GreaterOrEqual(t, p.ServerTS, before)

	assert.Empty(t, drain(t, follower))
}

func TestHub_ChatEchoesToEveryone(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.HandleMessage(follower, envelope(t, EventChatMessage, ChatMessagePayload{
		RoomID: f.roomID, Text: "did you see that",
	}))

	var p ChatBroadcastPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, host), EventChatMessage).Payload, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "did you see that", p.Text)

	// Sender sees their own line too.
	findEvent(t, drain(t, follower), EventChatMessage)
}

func TestHub_ReactionExcludesSender(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.HandleMessage(follower, envelope(t, EventReaction, ReactionPayload{
		RoomID: f.roomID, Type: "fire",
	}))

	var p ReactionBroadcastPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, host), EventReaction).Payload, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "fire", p.Type)

	assert.Empty(t, drain(t, follower))
}

func TestHub_PingRequiresRoomMembership(t *testing.T) {
	f := newHubFixture(t)
	c := f.newClient(t, "bob")

	f.hub.HandleMessage(c, envelope(t, EventPing, PingPayload{Nonce: "n-1", TS: 1}))

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, c), EventError).Payload, &p))
	assert.Equal(t, CodeUnauthorized, p.Code)
}

func TestHub_SecondJoinLeavesFirstRoom(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	// bob moves to a second room on the same connection.
	res, err := f.svc.Create(context.Background(), room.CreateParams{
		HostUserID: "bob", FileHash: f.hash, DurationMS: 1_000, FileSize: 1_000,
	})
	require.NoError(t, err)
	f.hub.HandleMessage(follower, envelope(t, EventJoinRoom, JoinRoomPayload{
		RoomID: res.RoomID, Role: "host", FileHash: f.hash,
	}))
	assert.Equal(t, res.RoomID, follower.RoomID())

	// The first room ran the leave protocol and its roster shrank.
	msgs := drain(t, host)
	var left ParticipantLeftPayload
	require.NoError(t, json.Unmarshal(findEvent(t, msgs, EventParticipantLeft).Payload, &left))
	assert.Equal(t, "bob", left.UserID)
	live, ok := f.svc.Registry().Get(f.roomID)
	require.True(t, ok)
	assert.Len(t, live.Roster(), 1)

	// Fan-out in the first room no longer reaches the moved connection.
	drain(t, follower)
	f.hub.HandleMessage(host, envelope(t, EventChatMessage, ChatMessagePayload{
		RoomID: f.roomID, Text: "still there?",
	}))
	assert.Empty(t, drain(t, follower))
}

func TestHub_FanOutAfterDisconnectDoesNotPanic(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.handleUnregister(follower)
	drain(t, host)

	// The next fan-out must skip the torn-down connection entirely.
	assert.NotPanics(t, func() {
		f.hub.HandleMessage(host, envelope(t, EventChatMessage, ChatMessagePayload{
			RoomID: f.roomID, Text: "anyone home",
		}))
	})
	findEvent(t, drain(t, host), EventChatMessage)

	// Queueing straight to the dead connection is a no-op, not a panic.
	assert.NotPanics(t, func() {
		_ = follower.Send(envelope(t, EventChatMessage, ChatBroadcastPayload{RoomID: f.roomID}))
	})
}

func TestHub_FollowerLeaveWhilePlayingEmitsSyntheticPause(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	f.hub.HandleMessage(host, envelope(t, EventHostPlay, HostPlayPayload{
		RoomID: f.roomID, PositionSec: 61, HostTimestampMS: 1,
	}))
	drain(t, host)
	drain(t, follower)

	f.hub.HandleMessage(follower, &Message{Event: EventLeaveRoom})

	msgs := drain(t, host)
	findEvent(t, msgs, EventParticipantLeft)

	pause := findEvent(t, msgs, EventHostPause)
	var p HostPausePayload
	require.NoError(t, json.Unmarshal(pause.Payload, &p))
	assert.Equal(t, 61.0, p.PositionSec)
	assert.Equal(t, "Participant left", p.Reason)
}

func TestHub_HostDisconnectStartsGraceThenTransfers(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.removeFromRoom(host)

	msgs := drain(t, follower)
	findEvent(t, msgs, EventParticipantLeft)

	var hd HostDisconnectedPayload
	require.NoError(t, json.Unmarshal(findEvent(t, msgs, EventHostDisconnected).Payload, &hd))
	assert.Equal(t, int64(30), hd.GracePeriodMS)
	assert.True(t, f.timers.Pending(f.roomID))

	// Grace elapses with a follower still present: authority transfers.
	require.Eventually(t, func() bool {
		for _, m := range drain(t, follower) {
			if m.Event == EventHostTransferred {
				var p HostTransferredPayload
				require.NoError(t, json.Unmarshal(m.Payload, &p))
				assert.Equal(t, "bob", p.NewHostUserID)
				assert.Equal(t, "Host did not reconnect within grace period", p.Reason)
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	live, ok := f.svc.Registry().Get(f.roomID)
	require.True(t, ok)
	assert.Equal(t, "bob", live.HostUserID())
}

func TestHub_HostReconnectWithinGraceCancelsTransfer(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	drain(t, host)
	drain(t, follower)

	f.hub.removeFromRoom(host)
	require.True(t, f.timers.Pending(f.roomID))

	host2 := f.newClient(t, "host-1")
	f.join(t, host2, "host")

	assert.False(t, f.timers.Pending(f.roomID))

	msgs := drain(t, follower)
	var p HostReconnectedPayload
	require.NoError(t, json.Unmarshal(findEvent(t, msgs, EventHostReconnected).Payload, &p))
	assert.Equal(t, "host-1", p.HostUserID)

	// Authority follows the new connection.
	live, ok := f.svc.Registry().Get(f.roomID)
	require.True(t, ok)
	assert.Equal(t, "host-1", live.HostUserID())
	drain(t, host2)
	f.hub.HandleMessage(host2, envelope(t, EventHostPlay, HostPlayPayload{
		RoomID: f.roomID, PositionSec: 5, HostTimestampMS: 1,
	}))
	assert.Empty(t, drain(t, host2)) // no error back
}

func TestHub_GraceExpiryOnEmptyRoomClosesIt(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	f.join(t, host, "host")
	drain(t, host)

	f.hub.removeFromRoom(host)

	require.Eventually(t, func() bool {
		_, ok := f.svc.Registry().Get(f.roomID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// The room is permanently closed, not merely unloaded.
	_, err := f.svc.GetActiveRoom(context.Background(), f.roomID)
	assert.Error(t, err)
}

func TestHub_UnknownEvent(t *testing.T) {
	f := newHubFixture(t)
	c := f.newClient(t, "bob")

	f.hub.HandleMessage(c, &Message{Event: "teleport"})

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, c), EventError).Payload, &p))
	assert.Equal(t, CodeInvalidPayload, p.Code)
}

func TestHub_InvalidControlPayloadReportsEveryProblem(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	f.join(t, host, "host")
	drain(t, host)

	f.hub.HandleMessage(host, envelope(t, EventHostPlay, HostPlayPayload{
		RoomID: f.roomID, PositionSec: -3, HostTimestampMS: 0,
	}))

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(findEvent(t, drain(t, host), EventError).Payload, &p))
	assert.Equal(t, CodeInvalidPayload, p.Code)
	assert.Contains(t, p.Message, "positionSec")
	assert.Contains(t, p.Message, "hostTimestampMs")
}

func TestHub_ServiceBroadcastReachesLocalClients(t *testing.T) {
	f := newHubFixture(t)
	host := f.newClient(t, "host-1")
	follower := f.newClient(t, "bob")
	f.join(t, host, "host")
	f.join(t, follower, "follower")
	f.hub.HandleMessage(host, envelope(t, EventHostPlay, HostPlayPayload{
		RoomID: f.roomID, PositionSec: 20, HostTimestampMS: 1,
	}))
	drain(t, host)
	drain(t, follower)

	// leave-temporary goes through the REST path; its pause arrives over
	// pub/sub with no origin, so this instance delivers it.
	paused := f.svc.LeaveTemporary(context.Background(), f.roomID, "bob")
	require.True(t, paused)

	require.Eventually(t, func() bool {
		for _, m := range drain(t, host) {
			if m.Event == EventHostPause {
				var p HostPausePayload
				require.NoError(t, json.Unmarshal(m.Payload, &p))
				assert.Equal(t, "Participant left", p.Reason)
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
