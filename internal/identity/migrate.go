package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/types"
)

// MigrationResult is the cookie material for a session upgraded from a
// legacy single-session token.
type MigrationResult struct {
	Session      database.RoomUser
	Identity     string
	CookieName   string
	SessionToken string
}

// MigrateLegacySession upgrades the session holding oldToken to the
// multi-session model. The session is attached to identity, or to a freshly
// minted one when identity is empty. Only tokens of the legacy length are
// accepted. A session that was already migrated is left untouched and
// ErrAlreadyMigrated is returned.
func (m *Manager) MigrateLegacySession(ctx context.Context, oldToken, identity string) (*MigrationResult, error) {
	if !isLegacyToken(oldToken) {
		return nil, types.ErrMalformedToken
	}

	u, err := m.store.GetRoomUserByToken(ctx, oldToken)
	if errors.Is(err, database.ErrNotFound) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup legacy session: %w", err)
	}
	if u.MigratedAt != nil {
		return nil, types.ErrAlreadyMigrated
	}

	if !IsIdentity(identity) {
		if identity, err = m.MintIdentity(); err != nil {
			return nil, err
		}
	}

	token, err := m.SessionToken(u.RoomId, u.Role, identity)
	if err != nil {
		return nil, err
	}

	migrated, err := m.store.MigrateRoomUser(ctx, database.MigrateRoomUserParams{
		Id:              u.Id,
		UserIdentifier:  identity,
		NewSessionToken: token,
		Now:             m.now(),
	})
	if errors.Is(err, database.ErrNotFound) {
		// a concurrent request migrated it first
		return nil, types.ErrAlreadyMigrated
	}
	if err != nil {
		return nil, fmt.Errorf("migrate session: %w", err)
	}

	m.stats.Incr(stats.SessionsMigrated)
	m.logger.Printf("room %d: migrated legacy %s session %d", migrated.RoomId, migrated.Role, migrated.Id)

	return &MigrationResult{
		Session:      migrated,
		Identity:     identity,
		CookieName:   m.CookieName(migrated.RoomId, migrated.Role, identity),
		SessionToken: token,
	}, nil
}

// LegacySessionCookies returns the per-room cookies that still carry a
// pre-identity session token.
func LegacySessionCookies(cookies []*http.Cookie) []*http.Cookie {
	var legacy []*http.Cookie
	for _, c := range cookies {
		match := sessionCookiePattern.FindStringSubmatch(c.Name)
		if match != nil && c.Name == "room_"+match[1]+"_"+match[2] && isLegacyToken(c.Value) {
			legacy = append(legacy, c)
		}
	}

	return legacy
}

// CleanupExpiredSessions marks sessions unseen for longer than the
// inactivity threshold as offline and returns how many were changed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	now := m.now()

	n, err := m.store.MarkStaleOffline(ctx, now.Add(-m.inactivity), now)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}

	if n > 0 {
		m.stats.Add(stats.SessionsExpired, int(n))
		m.logger.Printf("marked %d inactive sessions offline", n)
	}

	return n, nil
}
