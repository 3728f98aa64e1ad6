package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/domain"
	"github.com/observer/watchparty/internal/room"
	"github.com/observer/watchparty/internal/validate"
)

// RoomHandler handles room lifecycle endpoints
type RoomHandler struct {
	rooms  *room.Service
	logger *slog.Logger
}

func NewRoomHandler(rooms *room.Service, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:  rooms,
		logger: logger,
	}
}

type createRoomInput struct {
	FileHash      string       `json:"file_hash"`
	DurationMS    int64        `json:"duration_ms"`
	Size          int64        `json:"size"`
	Codec         domain.Codec `json:"codec"`
	ExpiresInDays int          `json:"expires_in_days,omitempty"`
	Passcode      string       `json:"passcode,omitempty"`
}

func (in *createRoomInput) validate() validate.Errors {
	var c validate.Collector
	c.Check(validate.FileHash(in.FileHash), "file_hash must be a 64-digit hex digest")
	c.Check(in.DurationMS > 0, "duration_ms must be a positive integer")
	c.Check(in.Size > 0, "size must be a positive integer")
	c.Check(in.Codec.Video != "", "codec.video is required")
	c.Check(in.Codec.Audio != "", "codec.audio is required")
	c.Check(in.ExpiresInDays == 0 || (in.ExpiresInDays >= 1 && in.ExpiresInDays <= 30), "expires_in_days must be between 1 and 30")
	c.Check(in.Passcode == "" || validate.Passcode(in.Passcode), "passcode must be 4-20 characters")
	return c.Errors()
}

// Create godoc
//
//	@Summary		Create a room
//	@Description	Allocate a room bound to the host's local file. The passcode, when set, gates every later admission.
//	@Tags			rooms
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createRoomInput	true	"Room details"
//	@Success		201		{object}	room.CreateResult
//	@Failure		400		{object}	map[string]interface{}	"Validation failed"
//	@Failure		401		{object}	map[string]string	"Missing or invalid token"
//	@Failure		503		{object}	map[string]string	"Room id space exhausted"
//	@Security		BearerAuth
//	@Router			/api/rooms/create [post]
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var input createRoomInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if errs := input.validate(); errs != nil {
		writeValidationError(w, errs)
		return
	}

	result, err := h.rooms.Create(r.Context(), room.CreateParams{
		HostUserID:    identity.UserID,
		Email:         identity.Email,
		Phone:         identity.Phone,
		FileHash:      input.FileHash,
		DurationMS:    input.DurationMS,
		FileSize:      input.Size,
		Codec:         input.Codec,
		ExpiresInDays: input.ExpiresInDays,
		Passcode:      input.Passcode,
	})
	if err != nil {
		h.handleRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

type validateRoomInput struct {
	FileHash string `json:"file_hash,omitempty"`
	Passcode string `json:"passcode,omitempty"`
}

// Validate godoc
//
//	@Summary		Validate admission to a room
//	@Description	Check a room before connecting to signaling. Returns the room metadata including the host file hash so the client can cross-check its local file.
//	@Tags			rooms
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Room id"
//	@Param			request	body		validateRoomInput	false	"Optional file hash and passcode"
//	@Success		200		{object}	domain.ValidateResult
//	@Failure		401		{object}	map[string]string	"Passcode required or wrong"
//	@Failure		404		{object}	map[string]string	"Room not found"
//	@Failure		410		{object}	map[string]string	"Room expired"
//	@Security		BearerAuth
//	@Router			/api/rooms/{id}/validate [post]
func (h *RoomHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.GetIdentity(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID := r.PathValue("id")

	// The body is optional: a bare probe sends nothing.
	var input validateRoomInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var c validate.Collector
	c.Check(validate.RoomID(roomID), "roomId must be 6-8 characters")
	c.Check(input.FileHash == "" || validate.FileHash(input.FileHash), "file_hash must be a 64-digit hex digest")
	if !c.Valid() {
		writeValidationError(w, c.Errors())
		return
	}

	result, err := h.rooms.Validate(r.Context(), roomID, input.FileHash, input.Passcode)
	if err != nil {
		h.handleRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Close godoc
//
//	@Summary		Close a room
//	@Description	End a room permanently. Only the host may close; closing twice succeeds.
//	@Tags			rooms
//	@Produce		json
//	@Param			id	path		string	true	"Room id"
//	@Success		200	{object}	map[string]string
//	@Failure		403	{object}	map[string]string	"Caller is not the host"
//	@Failure		404	{object}	map[string]string	"Room not found"
//	@Security		BearerAuth
//	@Router			/api/rooms/{id}/close [post]
func (h *RoomHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID := r.PathValue("id")
	if !validate.RoomID(roomID) {
		writeValidationError(w, []string{"roomId must be 6-8 characters"})
		return
	}

	if err := h.rooms.Close(r.Context(), roomID, userID); err != nil {
		h.handleRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "room closed"})
}

// LeaveTemporary godoc
//
//	@Summary		Leave a room temporarily
//	@Description	Mark the caller disconnected without ending the room. If the room is live, playback is paused for everyone.
//	@Tags			rooms
//	@Produce		json
//	@Param			id	path		string	true	"Room id"
//	@Success		200	{object}	map[string]bool
//	@Security		BearerAuth
//	@Router			/api/rooms/{id}/leave-temporary [post]
func (h *RoomHandler) LeaveTemporary(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID := r.PathValue("id")
	if !validate.RoomID(roomID) {
		writeValidationError(w, []string{"roomId must be 6-8 characters"})
		return
	}

	paused := h.rooms.LeaveTemporary(r.Context(), roomID, userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "paused": paused})
}

// Rejoin godoc
//
//	@Summary		Rejoin a room
//	@Description	Return to a room after a temporary leave. Hands back the current playback snapshot so the client can resume in place.
//	@Tags			rooms
//	@Produce		json
//	@Param			id	path		string	true	"Room id"
//	@Success		200	{object}	room.RejoinResult
//	@Failure		404	{object}	map[string]string	"Room not found"
//	@Failure		410	{object}	map[string]string	"Room expired"
//	@Security		BearerAuth
//	@Router			/api/rooms/{id}/rejoin [post]
func (h *RoomHandler) Rejoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomID := r.PathValue("id")
	if !validate.RoomID(roomID) {
		writeValidationError(w, []string{"roomId must be 6-8 characters"})
		return
	}

	result, err := h.rooms.Rejoin(r.Context(), roomID, userID)
	if err != nil {
		h.handleRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Get godoc
//
//	@Summary		Get a room
//	@Description	Without a token this is a bare existence probe. With a valid token the full room details and roster are returned.
//	@Tags			rooms
//	@Produce		json
//	@Param			id	path		string	true	"Room id"
//	@Success		200	{object}	map[string]interface{}
//	@Failure		404	{object}	map[string]string	"Room not found"
//	@Router			/api/rooms/{id} [get]
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !validate.RoomID(roomID) {
		writeValidationError(w, []string{"roomId must be 6-8 characters"})
		return
	}

	// Unauthenticated callers get an existence probe, nothing more.
	if _, ok := auth.GetIdentity(r.Context()); !ok {
		active, err := h.rooms.Probe(r.Context(), roomID)
		if err != nil {
			h.handleRoomError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"roomId":   roomID,
			"isActive": active,
		})
		return
	}

	roomRow, roster, err := h.rooms.Details(r.Context(), roomID)
	if err != nil {
		h.handleRoomError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":             roomRow,
		"requiresPasscode": roomRow.RequiresPasscode(),
		"participants":     roster,
	})
}

// handleRoomError maps domain errors to HTTP status codes.
func (h *RoomHandler) handleRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, domain.ErrRoomExpired):
		writeError(w, http.StatusGone, "room has expired")
	case errors.Is(err, domain.ErrPasscodeRequired):
		writeError(w, http.StatusUnauthorized, "passcode required")
	case errors.Is(err, domain.ErrInvalidPasscode):
		writeError(w, http.StatusUnauthorized, "invalid passcode")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "only the host may do this")
	case errors.Is(err, domain.ErrRoomIDExhausted):
		writeError(w, http.StatusServiceUnavailable, "could not allocate a room id, try again")
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "room storage unavailable")
	default:
		h.logger.Error("room operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
