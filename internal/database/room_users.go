package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-dealroom/internal/types"
)

const roomUserColumns = "id, room_id, role, display_name, phone, session_token, user_identifier, " +
	"device_fingerprint, is_online, is_active, joined_at, last_seen, offline_at, left_at, migrated_at"

func scanRoomUser(row scanner) (RoomUser, error) {
	var u RoomUser
	err := row.Scan(
		&u.Id,
		&u.RoomId,
		&u.Role,
		&u.DisplayName,
		&u.Phone,
		&u.SessionToken,
		&u.UserIdentifier,
		&u.DeviceFingerprint,
		&u.IsOnline,
		&u.IsActive,
		&u.JoinedAt,
		&u.LastSeen,
		&u.OfflineAt,
		&u.LeftAt,
		&u.MigratedAt,
	)

	return u, err
}

func queryRoomUsers(ctx context.Context, q queryer, query string, args ...any) ([]RoomUser, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query room users: %w", err)
	}
	defer rows.Close()

	users := make([]RoomUser, 0)
	for rows.Next() {
		u, err := scanRoomUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func insertRoomUser(ctx context.Context, q queryer, p CreateRoomUserParams) (RoomUser, error) {
	row := q.QueryRowContext(ctx,
		"INSERT INTO room_users (room_id, role, display_name, phone, session_token, user_identifier, "+
			"device_fingerprint, is_online, is_active, joined_at, last_seen) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, TRUE, $8, $8) RETURNING "+roomUserColumns,
		p.RoomId,
		p.Role,
		p.DisplayName,
		p.Phone,
		p.SessionToken,
		p.UserIdentifier,
		p.DeviceFingerprint,
		p.Now.UTC(),
	)

	u, err := scanRoomUser(row)
	if err != nil {
		return RoomUser{}, mapError(err)
	}

	return u, nil
}

// CreateRoomUser relies on the partial unique indexes over (room_id, role)
// to close the race between two concurrent joins for the same role.
func (db *PgRepository) CreateRoomUser(ctx context.Context, params CreateRoomUserParams) (RoomUser, error) {
	var u RoomUser
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if u, err = insertRoomUser(ctx, tx, params); err != nil {
			return err
		}
		return occupyRoom(ctx, tx, params.RoomId, params.Now)
	})
	if err != nil {
		return RoomUser{}, err
	}

	return u, nil
}

func (db *PgRepository) GetRoomUserBySession(ctx context.Context, roomId int64, role types.Role, sessionToken string) (RoomUser, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomUserColumns+" FROM room_users "+
			"WHERE room_id = $1 AND role = $2 AND session_token = $3 LIMIT 1",
		roomId, role, sessionToken,
	)

	u, err := scanRoomUser(row)
	if err != nil {
		return RoomUser{}, mapError(err)
	}

	return u, nil
}

func (db *PgRepository) GetRoomUserByToken(ctx context.Context, sessionToken string) (RoomUser, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomUserColumns+" FROM room_users WHERE session_token = $1 LIMIT 1",
		sessionToken,
	)

	u, err := scanRoomUser(row)
	if err != nil {
		return RoomUser{}, mapError(err)
	}

	return u, nil
}

func (db *PgRepository) ListRoomUsersByIdentity(ctx context.Context, roomId int64, identity string) ([]RoomUser, error) {
	return queryRoomUsers(ctx, db.conn,
		"SELECT "+roomUserColumns+" FROM room_users "+
			"WHERE room_id = $1 AND user_identifier = $2 ORDER BY id",
		roomId, identity,
	)
}

func (db *PgRepository) ListActiveRoomUsers(ctx context.Context, roomId int64) ([]RoomUser, error) {
	return queryRoomUsers(ctx, db.conn,
		"SELECT "+roomUserColumns+" FROM room_users "+
			"WHERE room_id = $1 AND is_active ORDER BY id",
		roomId,
	)
}

func (db *PgRepository) SwitchRole(ctx context.Context, params SwitchRoleParams) (RoomUser, error) {
	var switched RoomUser
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		from, err := scanRoomUser(tx.QueryRowContext(ctx,
			"SELECT "+roomUserColumns+" FROM room_users WHERE id = $1 AND is_active FOR UPDATE",
			params.FromId,
		))
		if err != nil {
			return mapError(err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE room_users SET is_active = FALSE, is_online = FALSE, left_at = $2, offline_at = $2 "+
				"WHERE id = $1",
			from.Id, params.Now.UTC(),
		)
		if err != nil {
			return err
		}

		var dormantId int64
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM room_users WHERE room_id = $1 AND user_identifier = $2 AND role = $3 "+
				"AND NOT is_active ORDER BY id DESC LIMIT 1 FOR UPDATE",
			from.RoomId, from.UserIdentifier, params.NewRole,
		).Scan(&dormantId)

		switch {
		case err == nil:
			switched, err = scanRoomUser(tx.QueryRowContext(ctx,
				"UPDATE room_users SET is_active = TRUE, is_online = TRUE, last_seen = $2, "+
					"offline_at = NULL, left_at = NULL WHERE id = $1 RETURNING "+roomUserColumns,
				dormantId, params.Now.UTC(),
			))
			return mapError(err)
		case errors.Is(err, sql.ErrNoRows):
			switched, err = insertRoomUser(ctx, tx, CreateRoomUserParams{
				RoomId:            from.RoomId,
				Role:              params.NewRole,
				DisplayName:       from.DisplayName,
				Phone:             from.Phone,
				SessionToken:      params.NewSessionToken,
				UserIdentifier:    from.UserIdentifier,
				DeviceFingerprint: from.DeviceFingerprint,
				Now:               params.Now,
			})
			return err
		default:
			return err
		}
	})
	if err != nil {
		return RoomUser{}, err
	}

	return switched, nil
}

func (db *PgRepository) DeactivateRoomUser(ctx context.Context, id int64, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var roomId int64
		err := tx.QueryRowContext(ctx,
			"UPDATE room_users SET is_active = FALSE, is_online = FALSE, left_at = $2, "+
				"offline_at = CASE WHEN is_online THEN $2 ELSE offline_at END "+
				"WHERE id = $1 AND is_active RETURNING room_id",
			id, now.UTC(),
		).Scan(&roomId)
		if err != nil {
			return mapError(err)
		}

		return releaseRoom(ctx, tx, roomId, now)
	})
}

func (db *PgRepository) TouchRoomUser(ctx context.Context, id int64, now time.Time) (RoomUser, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE room_users SET is_online = TRUE, last_seen = $2, offline_at = NULL "+
			"WHERE id = $1 AND is_active RETURNING "+roomUserColumns,
		id, now.UTC(),
	)

	u, err := scanRoomUser(row)
	if err != nil {
		return RoomUser{}, mapError(err)
	}

	return u, nil
}

func (db *PgRepository) SetRoomUserOffline(ctx context.Context, id int64, now time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE room_users SET is_online = FALSE, offline_at = $2 WHERE id = $1 AND is_online",
		id, now.UTC(),
	)
	return err
}

func (db *PgRepository) MigrateRoomUser(ctx context.Context, params MigrateRoomUserParams) (RoomUser, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE room_users SET user_identifier = $2, session_token = $3, migrated_at = $4 "+
			"WHERE id = $1 AND migrated_at IS NULL RETURNING "+roomUserColumns,
		params.Id, params.UserIdentifier, params.NewSessionToken, params.Now.UTC(),
	)

	u, err := scanRoomUser(row)
	if err != nil {
		return RoomUser{}, mapError(err)
	}

	return u, nil
}

func (db *PgRepository) MarkStaleOffline(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE room_users SET is_online = FALSE, offline_at = $2 WHERE is_online AND last_seen < $1",
		cutoff.UTC(), now.UTC(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
