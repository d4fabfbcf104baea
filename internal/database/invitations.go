package database

import (
	"context"
	"time"
)

const invitationColumns = "id, room_id, inviter_identifier, invitee_identifier, email, role, pin_hash, " +
	"encrypted_token, expires_at, accepted_at, accepted_by, accepted_ip, accepted_user_agent, " +
	"accepted_session, joined_at, pin_attempts, pin_locked_until, is_active, created_at"

func scanInvitation(row scanner) (Invitation, error) {
	var inv Invitation
	err := row.Scan(
		&inv.Id,
		&inv.RoomId,
		&inv.InviterIdentifier,
		&inv.InviteeIdentifier,
		&inv.Email,
		&inv.Role,
		&inv.PinHash,
		&inv.EncryptedToken,
		&inv.ExpiresAt,
		&inv.AcceptedAt,
		&inv.AcceptedBy,
		&inv.AcceptedIP,
		&inv.AcceptedUserAgent,
		&inv.AcceptedSession,
		&inv.JoinedAt,
		&inv.PinAttempts,
		&inv.PinLockedUntil,
		&inv.IsActive,
		&inv.CreatedAt,
	)
	if err != nil {
		return Invitation{}, mapError(err)
	}

	return inv, nil
}

func (db *PgRepository) CreateInvitation(ctx context.Context, params CreateInvitationParams) (Invitation, error) {
	return scanInvitation(db.conn.QueryRowContext(ctx,
		"INSERT INTO invitations (room_id, inviter_identifier, invitee_identifier, email, role, "+
			"pin_hash, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"RETURNING "+invitationColumns,
		params.RoomId,
		params.InviterIdentifier,
		params.InviteeIdentifier,
		params.Email,
		params.Role,
		params.PinHash,
		params.ExpiresAt.UTC(),
		params.Now.UTC(),
	))
}

func (db *PgRepository) SetInvitationToken(ctx context.Context, id int64, token string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE invitations SET encrypted_token = $2 WHERE id = $1",
		id, token,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRepository) GetInvitation(ctx context.Context, id int64) (Invitation, error) {
	return scanInvitation(db.conn.QueryRowContext(ctx,
		"SELECT "+invitationColumns+" FROM invitations WHERE id = $1 LIMIT 1",
		id,
	))
}

// RecordPinFailure is a single UPDATE so that concurrent wrong guesses are
// serialized by the row lock and each one is counted. An unexpired lock is
// never extended; once a lock has lapsed the next failure locks again.
func (db *PgRepository) RecordPinFailure(ctx context.Context, params PinFailureParams) (Invitation, error) {
	return scanInvitation(db.conn.QueryRowContext(ctx, `
		UPDATE invitations SET
			pin_attempts = pin_attempts + 1,
			pin_locked_until = CASE
				WHEN pin_locked_until > $2 THEN pin_locked_until
				WHEN pin_attempts + 1 >= $3 THEN $4
				ELSE pin_locked_until
			END
		WHERE id = $1
		RETURNING `+invitationColumns,
		params.Id,
		params.Now.UTC(),
		params.MaxAttempts,
		params.LockUntil.UTC(),
	))
}

func (db *PgRepository) AcceptInvitation(ctx context.Context, params AcceptInvitationParams) (Invitation, error) {
	return scanInvitation(db.conn.QueryRowContext(ctx, `
		UPDATE invitations SET
			pin_attempts = 0,
			pin_locked_until = NULL,
			accepted_at = $2,
			accepted_by = $3,
			accepted_ip = $4,
			accepted_user_agent = $5,
			accepted_session = $6,
			invitee_identifier = COALESCE(invitee_identifier, $3)
		WHERE id = $1
			AND is_active
			AND expires_at > $2
			AND (pin_locked_until IS NULL OR pin_locked_until <= $2)
		RETURNING `+invitationColumns,
		params.Id,
		params.Now.UTC(),
		params.By,
		params.IP,
		params.UserAgent,
		params.Session,
	))
}

func (db *PgRepository) MarkInvitationJoined(ctx context.Context, id int64, now time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE invitations SET joined_at = COALESCE(joined_at, $2) WHERE id = $1 AND accepted_at IS NOT NULL",
		id, now.UTC(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRepository) DeactivateInvitation(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE invitations SET is_active = FALSE WHERE id = $1",
		id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}
