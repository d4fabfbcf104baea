package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (db *PgRepository) CreateRoom(ctx context.Context, now time.Time) (Room, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (status, created_at, updated_at) "+
			"VALUES ($1, $2, $2) RETURNING id, status, created_at, updated_at",
		RoomStatusFree,
		now.UTC(),
	)

	var room Room
	err := res.Scan(
		&room.Id,
		&room.Status,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgRepository) GetRoom(ctx context.Context, id int64) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, status, created_at, updated_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Status,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, mapError(err)
	}

	return room, nil
}

func (db *PgRepository) GetOccupancy(ctx context.Context, roomId int64) (Occupancy, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT
			r.status,
			EXISTS (SELECT 1 FROM room_users u WHERE u.room_id = r.id AND u.role = 'buyer' AND u.is_active),
			EXISTS (SELECT 1 FROM room_users u WHERE u.room_id = r.id AND u.role = 'seller' AND u.is_active)
		FROM rooms r
		WHERE r.id = $1`,
		roomId,
	)

	var (
		status string
		o      = Occupancy{RoomId: roomId}
	)
	if err := row.Scan(&status, &o.HasBuyer, &o.HasSeller); err != nil {
		return Occupancy{}, mapError(err)
	}
	o.IsFree = status == RoomStatusFree

	return o, nil
}

func (db *PgRepository) ResetRoom(ctx context.Context, roomId int64, now time.Time) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE rooms SET status = $2, updated_at = $3 WHERE id = $1",
			roomId, RoomStatusFree, now.UTC(),
		)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotFound
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE room_users SET is_active = FALSE, is_online = FALSE, left_at = $2, "+
				"offline_at = CASE WHEN is_online THEN $2 ELSE offline_at END "+
				"WHERE room_id = $1 AND is_active",
			roomId, now.UTC(),
		)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset room: %w", err)
	}

	return n, nil
}

// releaseRoom marks the room free once no active session is left in it.
func releaseRoom(ctx context.Context, q queryer, roomId int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE rooms SET status = $2, updated_at = $3 WHERE id = $1 "+
			"AND NOT EXISTS (SELECT 1 FROM room_users WHERE room_id = $1 AND is_active)",
		roomId, RoomStatusFree, now.UTC(),
	)
	return err
}

func occupyRoom(ctx context.Context, q queryer, roomId int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE rooms SET status = $2, updated_at = $3 WHERE id = $1",
		roomId, RoomStatusOccupied, now.UTC(),
	)
	return err
}
