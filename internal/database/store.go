package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/observer/watchparty/internal/domain"
)

// Store is the durable projection of rooms, participants and the append-only
// event log. Every method is defensive: failures return an error and the
// caller decides whether to degrade to memory-only.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// UpsertUser makes sure a user row exists. Idempotent.
func (s *Store) UpsertUser(ctx context.Context, userID, email, phone string) error {
	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, email, phone)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
			ON CONFLICT (id) DO UPDATE
			SET email = COALESCE(EXCLUDED.email, users.email),
			    phone = COALESCE(EXCLUDED.phone, users.phone)
		`, userID, email, phone)
		return err
	})
}

// CreateRoom inserts the room row within a transaction.
func (s *Store) CreateRoom(ctx context.Context, room *domain.Room) error {
	codec, err := json.Marshal(room.HostFileCodec)
	if err != nil {
		return err
	}

	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx, `
			INSERT INTO rooms (
				id, host_user_id, host_file_hash, host_file_duration_ms,
				host_file_size, host_file_codec, passcode_hash,
				created_at, expires_at, is_active
			)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, TRUE)
		`, room.ID, room.HostUserID, room.HostFileHash, room.HostFileDurationMS,
			room.HostFileSize, codec, room.PasscodeHash,
			room.CreatedAt, room.ExpiresAt)
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// GetRoom loads a room row by its short id.
func (s *Store) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room := &domain.Room{}
	err := s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		var codec []byte
		var passcodeHash *string
		err := pool.QueryRow(ctx, `
			SELECT id, host_user_id, host_file_hash, host_file_duration_ms,
			       host_file_size, host_file_codec, passcode_hash,
			       created_at, expires_at, closed_at, is_active
			FROM rooms WHERE id = $1
		`, id).Scan(
			&room.ID, &room.HostUserID, &room.HostFileHash, &room.HostFileDurationMS,
			&room.HostFileSize, &codec, &passcodeHash,
			&room.CreatedAt, &room.ExpiresAt, &room.ClosedAt, &room.IsActive,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if passcodeHash != nil {
			room.PasscodeHash = *passcodeHash
		}
		return json.Unmarshal(codec, &room.HostFileCodec)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// CloseRoom marks the room inactive and all its participants disconnected.
// Idempotent: closing a closed room succeeds and keeps the original closed_at.
func (s *Store) CloseRoom(ctx context.Context, id string, at time.Time) error {
	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE rooms
			SET is_active = FALSE, closed_at = COALESCE(closed_at, $2)
			WHERE id = $1
		`, id, at)
		if err != nil {
			return err
		}

		_, err = pool.Exec(ctx, `
			UPDATE participants
			SET is_connected = FALSE, left_at = COALESCE(left_at, $2)
			WHERE room_id = $1
		`, id, at)
		return err
	})
}

// AddParticipant records membership, insert-or-update on (room_id, user_id).
func (s *Store) AddParticipant(ctx context.Context, p *domain.Participant) error {
	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO participants (room_id, user_id, role, joined_at, is_connected, connection_id)
			VALUES ($1, $2, $3, $4, TRUE, $5)
			ON CONFLICT (room_id, user_id) DO UPDATE
			SET role = EXCLUDED.role,
			    is_connected = TRUE,
			    left_at = NULL,
			    connection_id = EXCLUDED.connection_id
		`, p.RoomID, p.UserID, p.Role, p.JoinedAt, p.ConnectionID)
		return err
	})
}

// SetParticipantStatus updates the connected flag in the projection.
func (s *Store) SetParticipantStatus(ctx context.Context, roomID, userID string, connected bool) error {
	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		if connected {
			_, err := pool.Exec(ctx, `
				UPDATE participants
				SET is_connected = TRUE, left_at = NULL
				WHERE room_id = $1 AND user_id = $2
			`, roomID, userID)
			return err
		}
		_, err := pool.Exec(ctx, `
			UPDATE participants
			SET is_connected = FALSE, left_at = NOW()
			WHERE room_id = $1 AND user_id = $2
		`, roomID, userID)
		return err
	})
}

// GetParticipants returns every participant row for a room.
func (s *Store) GetParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	var participants []domain.Participant
	err := s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, `
			SELECT room_id, user_id, role, joined_at, left_at, is_connected, COALESCE(connection_id, '')
			FROM participants
			WHERE room_id = $1
			ORDER BY joined_at
		`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()

		participants = participants[:0]
		for rows.Next() {
			var p domain.Participant
			if err := rows.Scan(&p.RoomID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.IsConnected, &p.ConnectionID); err != nil {
				return err
			}
			participants = append(participants, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return participants, nil
}

// AppendEvent writes an append-only event log row. Best-effort: callers log
// and swallow failures.
func (s *Store) AppendEvent(ctx context.Context, ev *domain.RoomEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	return s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO room_events (room_id, user_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, ev.RoomID, ev.UserID, ev.EventType, payload, ev.At)
		return err
	})
}

// SweepExpired closes every active room past its expiry. Returns the number
// of rooms closed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	var closed int64
	err := s.db.withRetry(ctx, func(pool *pgxpool.Pool) error {
		tag, err := pool.Exec(ctx, `
			UPDATE rooms
			SET is_active = FALSE, closed_at = COALESCE(closed_at, $1)
			WHERE is_active = TRUE AND expires_at < $1
		`, now)
		if err != nil {
			return err
		}
		closed = tag.RowsAffected()
		return nil
	})
	return closed, err
}
