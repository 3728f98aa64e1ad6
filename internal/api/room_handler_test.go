package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/room"
)

const testKey = "test-signing-key-with-enough-length!!"

type apiFixture struct {
	handler  *RoomHandler
	verifier auth.Verifier
	svc      *room.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := room.NewService(nil, room.NewRegistry(), room.NewIDGenerator(6), nil, "https://watch.example.com", 7, logger)
	verifier, err := auth.NewJWTVerifier(testKey)
	require.NoError(t, err)
	return &apiFixture{
		handler:  NewRoomHandler(svc, logger),
		verifier: verifier,
		svc:      svc,
	}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	require.NoError(t, err)
	return s
}

// post routes a JSON body through the auth middleware, the way the server
// wires it. roomID, when set, lands in the {id} path value.
func (f *apiFixture) post(t *testing.T, handlerFn http.HandlerFunc, token, roomID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", bytes.NewReader(data))
	if roomID != "" {
		req.SetPathValue("id", roomID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	auth.Middleware(f.verifier)(handlerFn).ServeHTTP(rec, req)
	return rec
}

func validHash() string {
	return strings.Repeat("ab12", 16)
}

func validCreateBody() map[string]interface{} {
	return map[string]interface{}{
		"file_hash":   validHash(),
		"duration_ms": 5400000,
		"size":        1500000000,
		"codec":       map[string]string{"video": "h264", "audio": "aac", "resolution": "1920x1080"},
	}
}

func (f *apiFixture) createRoom(t *testing.T, hostID string) string {
	t.Helper()
	rec := f.post(t, f.handler.Create, f.token(t, hostID), "", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.RoomID
}

func TestCreate_Success(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.post(t, f.handler.Create, f.token(t, "host-1"), "", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var res struct {
		RoomID   string `json:"roomId"`
		ShareURL string `json:"shareUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.RoomID, 6)
	assert.Equal(t, "https://watch.example.com/room/"+res.RoomID, res.ShareURL)
}

func TestCreate_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.post(t, f.handler.Create, "", "", validCreateBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreate_ValidationAccumulatesEveryProblem(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]interface{}{
		"file_hash":       validHash()[:63], // one short
		"duration_ms":     0,
		"size":            -1,
		"codec":           map[string]string{"video": "", "audio": ""},
		"expires_in_days": 31,
		"passcode":        "abc",
	}
	rec := f.post(t, f.handler.Create, f.token(t, "host-1"), "", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var res struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "validation failed", res.Error)
	assert.Len(t, res.Details, 7)
}

func TestCreate_ExpiryBoundaries(t *testing.T) {
	f := newAPIFixture(t)
	for days, wantCode := range map[int]int{
		0:  http.StatusCreated, // omitted, server default
		1:  http.StatusCreated,
		30: http.StatusCreated,
		31: http.StatusBadRequest,
		-1: http.StatusBadRequest,
	} {
		body := validCreateBody()
		body["expires_in_days"] = days
		rec := f.post(t, f.handler.Create, f.token(t, "host-1"), "", body)
		assert.Equal(t, wantCode, rec.Code, fmt.Sprintf("expires_in_days=%d", days))
	}
}

func TestValidate_StatusMapping(t *testing.T) {
	f := newAPIFixture(t)
	roomID := f.createRoom(t, "host-1")
	token := f.token(t, "guest-1")

	// Unknown room
	rec := f.post(t, f.handler.Validate, token, "ZZZZZZ", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Known room, hash match reported
	rec = f.post(t, f.handler.Validate, token, roomID, map[string]string{"file_hash": validHash()})
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		HashMatches bool `json:"hash_matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.HashMatches)

	// Closed room reads as gone
	rec = f.post(t, f.handler.Close, f.token(t, "host-1"), roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.post(t, f.handler.Validate, token, roomID, map[string]string{})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestValidate_PasscodeStatusCodes(t *testing.T) {
	f := newAPIFixture(t)
	body := validCreateBody()
	body["passcode"] = "secret99"
	rec := f.post(t, f.handler.Create, f.token(t, "host-1"), "", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	token := f.token(t, "guest-1")

	rec = f.post(t, f.handler.Validate, token, created.RoomID, map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "passcode required")

	rec = f.post(t, f.handler.Validate, token, created.RoomID, map[string]string{"passcode": "wrong-one"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid passcode")

	rec = f.post(t, f.handler.Validate, token, created.RoomID, map[string]string{"passcode": "secret99"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClose_OnlyHostMay(t *testing.T) {
	f := newAPIFixture(t)
	roomID := f.createRoom(t, "host-1")

	rec := f.post(t, f.handler.Close, f.token(t, "guest-1"), roomID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.post(t, f.handler.Close, f.token(t, "host-1"), roomID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Idempotent
	rec = f.post(t, f.handler.Close, f.token(t, "host-1"), roomID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaveTemporaryAndRejoin(t *testing.T) {
	f := newAPIFixture(t)
	roomID := f.createRoom(t, "host-1")

	rec := f.post(t, f.handler.LeaveTemporary, f.token(t, "host-1"), roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var leave struct {
		Success bool `json:"success"`
		Paused  bool `json:"paused"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leave))
	assert.True(t, leave.Success)
	assert.False(t, leave.Paused) // room is not live

	rec = f.post(t, f.handler.Rejoin, f.token(t, "host-1"), roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rejoin struct {
		RoomID        string  `json:"roomId"`
		VideoID       string  `json:"videoId"`
		PlaybackState string  `json:"playbackState"`
		Position      float64 `json:"currentPosition"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejoin))
	assert.Equal(t, roomID, rejoin.RoomID)
	assert.Equal(t, validHash(), rejoin.VideoID)
	assert.Equal(t, "paused", rejoin.PlaybackState)
	assert.Equal(t, 0.0, rejoin.Position)
}

func TestGet_ProbeWithoutTokenDetailsWithOne(t *testing.T) {
	f := newAPIFixture(t)
	roomID := f.createRoom(t, "host-1")

	mux := http.NewServeMux()
	mux.Handle("GET /api/rooms/{id}", auth.OptionalMiddleware(f.verifier)(http.HandlerFunc(f.handler.Get)))

	// Anonymous probe: existence only.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms/"+roomID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var probe map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probe))
	assert.Equal(t, true, probe["isActive"])
	assert.NotContains(t, probe, "room")

	// Authenticated: full details.
	req := httptest.NewRequest("GET", "/api/rooms/"+roomID, nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "guest-1"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var details struct {
		Room struct {
			HostUserID string `json:"host_user_id"`
		} `json:"room"`
		RequiresPasscode bool `json:"requiresPasscode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, "host-1", details.Room.HostUserID)
	assert.False(t, details.RequiresPasscode)

	// A passcode-gated room says so in its details.
	body := validCreateBody()
	body["passcode"] = "secret99"
	rec2 := f.post(t, f.handler.Create, f.token(t, "host-1"), "", body)
	require.Equal(t, http.StatusCreated, rec2.Code)
	var created struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &created))
	req = httptest.NewRequest("GET", "/api/rooms/"+created.RoomID, nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "guest-1"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.True(t, details.RequiresPasscode)

	// Unknown room still 404s for anonymous probes.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms/ZZZZZZ", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
