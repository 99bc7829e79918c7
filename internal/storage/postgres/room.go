package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/quizhub/internal/registry"
)

// oldestRoom resolves $1 (a game pin) to the id of the oldest room carrying it.
const oldestRoom = `(SELECT id FROM rooms WHERE game_pin = $1 ORDER BY id LIMIT 1)`

// RoomRepository implements registry.Store over the rooms and room_players
// tables. Every mutation is one SQL statement.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

var _ registry.Store = (*RoomRepository)(nil)

// Insert persists a new room and its initial players in one transaction.
//
// Postcondition: The returned room carries the assigned ID.
func (r *RoomRepository) Insert(ctx context.Context, room registry.Room) (registry.Room, error) {
	out := room.Clone()
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO rooms (game_pin, creator_conn_id, phase, winner, current_question_index,
			                    time_left, game_start_time, game_end_time, last_update_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
			 RETURNING id`,
			room.GamePin, room.CreatorConnID, string(room.Phase), room.Winner, room.CurrentQuestionIndex,
			room.TimeLeft, nullTime(room.GameStartTime), nullTime(room.GameEndTime), nullTime(room.LastUpdateTime),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting room: %w", err)
		}
		for _, p := range room.Players {
			_, err := tx.Exec(ctx,
				`INSERT INTO room_players (room_id, conn_id, name, score, joined_at)
				 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
				id, p.ConnID, p.Name, nullScore(p), nullTime(p.JoinedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting player %s: %w", p.ConnID, err)
			}
		}
		out.ID = strconv.FormatInt(id, 10)
		return nil
	})
	if err != nil {
		return registry.Room{}, err
	}
	return out, nil
}

// FindByPin loads the oldest room carrying pin from a consistent snapshot.
func (r *RoomRepository) FindByPin(ctx context.Context, pin string) (registry.Room, bool, error) {
	var (
		room  registry.Room
		found bool
	)
	txOpts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, r.db, txOpts, func(tx pgx.Tx) error {
		var (
			id                    int64
			phase                 string
			start, end, updatedAt *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT id, game_pin, creator_conn_id, phase, winner, current_question_index,
			        time_left, game_start_time, game_end_time, last_update_time
			 FROM rooms WHERE id = `+oldestRoom,
			pin,
		).Scan(&id, &room.GamePin, &room.CreatorConnID, &phase, &room.Winner, &room.CurrentQuestionIndex,
			&room.TimeLeft, &start, &end, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("querying room: %w", err)
		}
		found = true
		room.ID = strconv.FormatInt(id, 10)
		room.Phase = registry.Phase(phase)
		room.GameStartTime = derefTime(start)
		room.GameEndTime = derefTime(end)
		room.LastUpdateTime = derefTime(updatedAt)

		rows, err := tx.Query(ctx,
			`SELECT conn_id, name, score, joined_at
			 FROM room_players WHERE room_id = $1 ORDER BY seq`,
			id,
		)
		if err != nil {
			return fmt.Errorf("querying players: %w", err)
		}
		defer rows.Close()

		room.Players = []registry.Player{}
		for rows.Next() {
			var (
				p     registry.Player
				score *int32
			)
			if err := rows.Scan(&p.ConnID, &p.Name, &score, &p.JoinedAt); err != nil {
				return fmt.Errorf("scanning player: %w", err)
			}
			if score != nil {
				p.Score = int(*score)
				p.HasScore = true
			}
			room.Players = append(room.Players, p)
		}
		return rows.Err()
	})
	if err != nil {
		return registry.Room{}, false, err
	}
	return room, found, nil
}

// DeleteByPin removes the oldest room carrying pin; its players cascade.
func (r *RoomRepository) DeleteByPin(ctx context.Context, pin string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM rooms WHERE id = `+oldestRoom, pin)
	if err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	return nil
}

// UpsertPlayer implements registry.Store.
func (r *RoomRepository) UpsertPlayer(ctx context.Context, pin string, p registry.Player) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO room_players (room_id, conn_id, name, joined_at)
		 SELECT id, $2, $3, COALESCE($4, NOW()) FROM rooms WHERE id = `+oldestRoom+`
		 ON CONFLICT (room_id, conn_id) DO UPDATE SET name = EXCLUDED.name`,
		pin, p.ConnID, p.Name, nullTime(p.JoinedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("upserting player: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemovePlayer implements registry.Store.
func (r *RoomRepository) RemovePlayer(ctx context.Context, pin, connID string) (bool, bool, error) {
	var found, removed bool
	err := r.db.QueryRow(ctx,
		`WITH r AS (SELECT id FROM rooms WHERE game_pin = $1 ORDER BY id LIMIT 1),
		      d AS (DELETE FROM room_players
		            WHERE room_id = (SELECT id FROM r) AND conn_id = $2
		            RETURNING 1)
		 SELECT EXISTS (SELECT 1 FROM r), EXISTS (SELECT 1 FROM d)`,
		pin, connID,
	).Scan(&found, &removed)
	if err != nil {
		return false, false, fmt.Errorf("removing player: %w", err)
	}
	return found, removed, nil
}

// RemovePlayerByName implements registry.Store.
func (r *RoomRepository) RemovePlayerByName(ctx context.Context, pin, name string) (bool, bool, error) {
	var found, removed bool
	err := r.db.QueryRow(ctx,
		`WITH r AS (SELECT id FROM rooms WHERE game_pin = $1 ORDER BY id LIMIT 1),
		      target AS (SELECT room_id, conn_id FROM room_players
		                 WHERE room_id = (SELECT id FROM r) AND name = $2
		                 ORDER BY seq LIMIT 1),
		      d AS (DELETE FROM room_players p USING target
		            WHERE p.room_id = target.room_id AND p.conn_id = target.conn_id
		            RETURNING 1)
		 SELECT EXISTS (SELECT 1 FROM r), EXISTS (SELECT 1 FROM d)`,
		pin, name,
	).Scan(&found, &removed)
	if err != nil {
		return false, false, fmt.Errorf("removing player by name: %w", err)
	}
	return found, removed, nil
}

// RenamePlayer implements registry.Store.
func (r *RoomRepository) RenamePlayer(ctx context.Context, pin, connID, name string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE room_players SET name = $3
		 WHERE room_id = `+oldestRoom+` AND conn_id = $2`,
		pin, connID, name,
	)
	if err != nil {
		return false, fmt.Errorf("renaming player: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RaiseScore implements registry.Store.
func (r *RoomRepository) RaiseScore(ctx context.Context, pin, connID string, score int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE room_players SET score = GREATEST(COALESCE(score, 0), $3)
		 WHERE room_id = `+oldestRoom+` AND conn_id = $2`,
		pin, connID, score,
	)
	if err != nil {
		return false, fmt.Errorf("updating score: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetQuestion implements registry.Store.
func (r *RoomRepository) SetQuestion(ctx context.Context, pin string, index, timeLeft int, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE rooms SET current_question_index = $2, time_left = $3, last_update_time = $4
		 WHERE id = `+oldestRoom,
		pin, index, timeLeft, at,
	)
	if err != nil {
		return false, fmt.Errorf("updating question: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetTimer implements registry.Store.
func (r *RoomRepository) SetTimer(ctx context.Context, pin string, timeLeft int, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE rooms SET time_left = $2, last_update_time = $3 WHERE id = `+oldestRoom,
		pin, timeLeft, at,
	)
	if err != nil {
		return false, fmt.Errorf("updating timer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetScores implements registry.Store.
func (r *RoomRepository) ResetScores(ctx context.Context, pin string, at time.Time) (bool, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`WITH r AS (UPDATE rooms SET current_question_index = 0, winner = '', last_update_time = $2
		            WHERE id = `+oldestRoom+`
		            RETURNING id),
		      p AS (UPDATE room_players SET score = NULL
		            WHERE room_id IN (SELECT id FROM r)
		            RETURNING 1)
		 SELECT count(*) FROM r`,
		pin, at,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("resetting scores: %w", err)
	}
	return n > 0, nil
}

// GetOrSetStartTime implements registry.Store.
func (r *RoomRepository) GetOrSetStartTime(ctx context.Context, pin string, now time.Time) (time.Time, bool, error) {
	var start time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE rooms SET game_start_time = COALESCE(game_start_time, $2)
		 WHERE id = `+oldestRoom+`
		 RETURNING game_start_time`,
		pin, now,
	).Scan(&start)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("getting start time: %w", err)
	}
	return start, true, nil
}

// CompareAndSetPhase implements registry.Store.
func (r *RoomRepository) CompareAndSetPhase(ctx context.Context, pin string, from []registry.Phase, to registry.Phase, at time.Time) (registry.Phase, error) {
	allowed := make([]string, len(from))
	for i, p := range from {
		allowed[i] = string(p)
	}
	var (
		current string
		applied bool
	)
	err := r.db.QueryRow(ctx,
		`WITH r AS (SELECT id, phase FROM rooms WHERE game_pin = $1 ORDER BY id LIMIT 1 FOR UPDATE),
		      u AS (UPDATE rooms SET phase = $3, last_update_time = $4
		            FROM r
		            WHERE rooms.id = r.id AND r.phase = ANY($2::text[])
		            RETURNING rooms.phase)
		 SELECT COALESCE((SELECT phase FROM u), r.phase), EXISTS (SELECT 1 FROM u) FROM r`,
		pin, allowed, string(to), at,
	).Scan(&current, &applied)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", registry.ErrRoomNotFound
		}
		return "", fmt.Errorf("updating phase: %w", err)
	}
	if !applied {
		return registry.Phase(current), registry.ErrInvalidTransition
	}
	return registry.Phase(current), nil
}

// SetWinner implements registry.Store.
func (r *RoomRepository) SetWinner(ctx context.Context, pin, name string) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE rooms SET winner = $2 WHERE id = `+oldestRoom, pin, name)
	if err != nil {
		return false, fmt.Errorf("setting winner: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullScore(p registry.Player) *int32 {
	if !p.HasScore {
		return nil
	}
	s := int32(p.Score)
	return &s
}

// isForeignKeyViolation checks for SQLSTATE 23503, raised when the room is
// deleted between resolving its pin and inserting a player.
func isForeignKeyViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23503"
	}
	return false
}
