package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const (
	// IdentityCookieName is the long-lived cookie carrying the UserIdentity.
	IdentityCookieName = "dealroom_uid"

	SessionTokenLength = 64
	// LegacyTokenLength is the length of session tokens issued before
	// identities existed.
	LegacyTokenLength = 32

	// InactivityThreshold is how long a session may go unseen before the
	// sweep marks it offline.
	InactivityThreshold = 2 * time.Hour

	cookieFragmentSize = 4

	domainCookie      = "dealroom.cookie.v1"
	domainSession     = "dealroom.session.v1"
	domainFingerprint = "dealroom.fingerprint.v1"
)

var (
	identityPattern = regexp.MustCompile(`^u[0-9a-z]+_[0-9a-f]{32}$`)
	// matches both room_{id}_{role}_{fragment} and the older room_{id}_{role}
	sessionCookiePattern = regexp.MustCompile(`^room_([1-9][0-9]*)_(buyer|seller)(?:_[0-9a-f]{8})?$`)
)

// Store is the part of the repository the manager needs.
type Store interface {
	database.RoomRepository
	database.RoomUserRepository
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithInactivityThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.inactivity = d
		}
	}
}

// Manager issues identities and session credentials and runs admission
// for role-sessions. It holds no per-request state.
type Manager struct {
	store      Store
	signer     crypter.Signer
	logger     *log.Logger
	stats      stats.StatsProvider
	now        func() time.Time
	inactivity time.Duration
}

func NewManager(store Store, signer crypter.Signer, logger *log.Logger, sp stats.StatsProvider, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		signer:     signer,
		logger:     logger,
		stats:      sp,
		now:        time.Now,
		inactivity: InactivityThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// MintIdentity returns a new UserIdentity. The base36 timestamp is only
// there to help a human reading logs; the UUID carries the entropy.
func (m *Manager) MintIdentity() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}

	return "u" + strconv.FormatInt(m.now().Unix(), 36) + "_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

func IsIdentity(s string) bool {
	return identityPattern.MatchString(s)
}

// CookieName is the session cookie for one identity's role in one room.
// The same triple always yields the same name.
func (m *Manager) CookieName(roomID int64, role types.Role, identity string) string {
	tag := m.signer.Sign(domainCookie, []byte(identity))
	return LegacyCookieName(roomID, role) + "_" + hex.EncodeToString(tag[:cookieFragmentSize])
}

// LegacyCookieName is the per-room cookie set before identities existed.
func LegacyCookieName(roomID int64, role types.Role) string {
	return "room_" + strconv.FormatInt(roomID, 10) + "_" + string(role)
}

// SessionToken returns a fresh 64-character hex credential.
func (m *Manager) SessionToken(roomID int64, role types.Role, identity string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	material := strings.Join([]string{
		strconv.FormatInt(roomID, 10),
		string(role),
		identity,
		strconv.FormatInt(m.now().UnixNano(), 10),
		hex.EncodeToString(random),
	}, "|")

	return hex.EncodeToString(m.signer.Sign(domainSession, []byte(material))), nil
}

// Validate only checks the shape of a session token. It proves nothing
// about where the token came from: the repository lookup is the
// authoritative check.
func Validate(token string) bool {
	return len(token) == SessionTokenLength && isLowerHex(token)
}

func isLegacyToken(token string) bool {
	return len(token) == LegacyTokenLength && isLowerHex(strings.ToLower(token))
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Fingerprint derives a short, non-authoritative device tag.
func (m *Manager) Fingerprint(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	return hex.EncodeToString(m.signer.Sign(domainFingerprint, []byte(userAgent))[:8])
}

// ResolveIdentity finds the caller's identity from its cookies. The
// identity cookie wins; otherwise every session cookie is checked against
// the repository so clients that predate the identity cookie are not
// orphaned. It returns "" when nothing matches.
func (m *Manager) ResolveIdentity(ctx context.Context, cookies []*http.Cookie) (string, error) {
	for _, c := range cookies {
		if c.Name == IdentityCookieName && IsIdentity(c.Value) {
			return c.Value, nil
		}
	}

	for _, c := range cookies {
		match := sessionCookiePattern.FindStringSubmatch(c.Name)
		if match == nil || !(Validate(c.Value) || isLegacyToken(c.Value)) {
			continue
		}

		roomID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}

		u, err := m.store.GetRoomUserBySession(ctx, roomID, types.Role(match[2]), c.Value)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve identity: %w", err)
		}
		if u.UserIdentifier != "" {
			return u.UserIdentifier, nil
		}
	}

	return "", nil
}
