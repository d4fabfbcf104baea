package invite

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/ratelimit"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenPrefix marks invitation tokens in URLs. Neither access token
	// encoding nor the room id prefix can produce it.
	TokenPrefix = "inv_"

	DefaultTTL   = 72 * time.Hour
	MaxAttempts  = 5
	LockDuration = 30 * time.Minute
	PinLength    = 6
)

var tokenEncoding = base64.RawURLEncoding.Strict()

var ErrInvalidEmail = errors.New("invalid email address")

type payload struct {
	InvitationId int64      `json:"invitation_id"`
	RoomId       int64      `json:"room_id"`
	Role         types.Role `json:"role"`
	Email        string     `json:"email"`
	Exp          int64      `json:"exp"`
}

type Store interface {
	database.InvitationRepository
}

type CreateParams struct {
	RoomID   int64
	Inviter  string
	Invitee  string
	Email    string
	Role     types.Role
	Duration time.Duration
}

// RedeemMeta is recorded on the invitation when the PIN is accepted.
type RedeemMeta struct {
	Identity  string
	Session   string
	IP        string
	UserAgent string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

func WithBaseURL(u string) Option {
	return func(s *Service) {
		s.baseURL = strings.TrimRight(u, "/")
	}
}

type Service struct {
	store   Store
	crypter crypter.Crypter
	logger  *log.Logger
	stats   stats.StatsProvider
	limiter ratelimit.Limiter
	now     func() time.Time
	ttl     time.Duration
	cost    int
	baseURL string
}

func NewService(store Store, c crypter.Crypter, logger *log.Logger, sp stats.StatsProvider, opts ...Option) *Service {
	s := &Service{
		store:   store,
		crypter: c,
		logger:  logger,
		stats:   sp,
		limiter: ratelimit.Nop{},
		now:     time.Now,
		ttl:     DefaultTTL,
		cost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Create persists a new invitation with a random PIN and caches its token.
// The clear PIN is returned once and only its hash is stored.
func (s *Service) Create(ctx context.Context, p CreateParams) (*database.Invitation, string, error) {
	if !p.Role.Valid() {
		return nil, "", types.ErrUnknownRole
	}
	if !strings.Contains(p.Email, "@") {
		return nil, "", ErrInvalidEmail
	}

	pin, err := newPin()
	if err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash pin: %w", err)
	}

	ttl := p.Duration
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now()
	params := database.CreateInvitationParams{
		RoomId:            p.RoomID,
		InviterIdentifier: p.Inviter,
		Email:             strings.ToLower(strings.TrimSpace(p.Email)),
		Role:              p.Role,
		PinHash:           string(hash),
		ExpiresAt:         now.Add(ttl).Truncate(time.Second),
		Now:               now,
	}
	if p.Invitee != "" {
		params.InviteeIdentifier = &p.Invitee
	}

	inv, err := s.store.CreateInvitation(ctx, params)
	if err != nil {
		return nil, "", fmt.Errorf("create invitation: %w", err)
	}

	token, err := s.encode(inv)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.SetInvitationToken(ctx, inv.Id, token); err != nil {
		return nil, "", fmt.Errorf("cache invitation token: %w", err)
	}
	inv.EncryptedToken = token

	s.stats.Incr(stats.InvitationsCreated)
	s.logger.Printf("room %d: invitation %d created for %s", inv.RoomId, inv.Id, inv.Role)

	return &inv, pin, nil
}

// newPin returns a uniformly random 6-digit string.
func newPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}

	return fmt.Sprintf("%0*d", PinLength, n.Int64()), nil
}

func (s *Service) encode(inv database.Invitation) (string, error) {
	b, err := json.Marshal(payload{
		InvitationId: inv.Id,
		RoomId:       inv.RoomId,
		Role:         inv.Role,
		Email:        inv.Email,
		Exp:          inv.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}

	blob, err := s.crypter.Encrypt(b)
	if err != nil {
		return "", fmt.Errorf("encrypt invitation: %w", err)
	}

	return TokenPrefix + tokenEncoding.EncodeToString(blob), nil
}

// ParseToken reports whether raw carries the invitation prefix.
func ParseToken(raw string) (string, bool) {
	body, ok := strings.CutPrefix(raw, TokenPrefix)
	if !ok || body == "" {
		return "", false
	}

	return raw, true
}

func (s *Service) BuildURL(inv *database.Invitation) string {
	return s.baseURL + "/invite/" + inv.EncryptedToken
}

func (s *Service) decode(token string) (payload, error) {
	var p payload

	if _, ok := ParseToken(token); !ok {
		return p, types.ErrMalformedToken
	}

	blob, err := tokenEncoding.DecodeString(strings.TrimPrefix(token, TokenPrefix))
	if err != nil {
		return p, types.ErrMalformedToken
	}

	plain, err := s.crypter.Decrypt(blob)
	if err != nil {
		return p, types.ErrTamperedToken
	}

	if err := json.Unmarshal(plain, &p); err != nil || p.InvitationId <= 0 {
		return p, types.ErrMalformedToken
	}

	return p, nil
}

// Lookup decodes token and loads the invitation it names. The stored
// record must agree with every field carried in the token.
func (s *Service) Lookup(ctx context.Context, token string) (*database.Invitation, error) {
	p, err := s.decode(token)
	if err != nil {
		return nil, err
	}

	inv, err := s.store.GetInvitation(ctx, p.InvitationId)
	if errors.Is(err, database.ErrNotFound) {
		return nil, types.ErrTamperedToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup invitation: %w", err)
	}

	consistent := inv.RoomId == p.RoomId &&
		inv.Role == p.Role &&
		inv.Email == p.Email &&
		inv.ExpiresAt.Unix() == p.Exp &&
		subtle.ConstantTimeCompare([]byte(inv.EncryptedToken), []byte(token)) == 1
	if !consistent {
		return nil, types.ErrTamperedToken
	}

	return &inv, nil
}

// CanAttemptPin reports whether a PIN may be checked against inv at now.
func CanAttemptPin(inv database.Invitation, now time.Time) bool {
	if inv.Locked(now) {
		return false
	}

	// a lapsed lock grants one more attempt; attempts only reset on success
	return inv.PinAttempts < MaxAttempts || inv.PinLockedUntil != nil
}

// Redeem checks pin against the invitation named by token and, when it
// matches, records the acceptance.
func (s *Service) Redeem(ctx context.Context, token, pin string, meta RedeemMeta) (*database.Invitation, error) {
	inv, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !inv.IsActive || inv.Expired(now) {
		return nil, types.ErrExpiredToken
	}
	if !CanAttemptPin(*inv, now) {
		return nil, lockedErr(*inv, now)
	}
	if pin == "" {
		return nil, types.ErrPinRequired
	}
	if err := s.throttle(ctx, inv.Id, meta.IP, now); err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(inv.PinHash), []byte(pin)) != nil {
		return nil, s.recordFailure(ctx, *inv, now)
	}

	accepted, err := s.store.AcceptInvitation(ctx, database.AcceptInvitationParams{
		Id:        inv.Id,
		By:        meta.Identity,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Session:   meta.Session,
		Now:       now,
	})
	if errors.Is(err, database.ErrNotFound) {
		// deactivated or locked between the read and the write
		return nil, s.stateErr(ctx, inv.Id, now)
	}
	if err != nil {
		return nil, fmt.Errorf("accept invitation: %w", err)
	}

	s.stats.Incr(stats.InvitationsAccepted)
	s.logger.Printf("room %d: invitation %d accepted", accepted.RoomId, accepted.Id)

	return &accepted, nil
}

func (s *Service) throttle(ctx context.Context, id int64, ip string, now time.Time) error {
	res, err := s.limiter.Allow(ctx, "redeem", strconv.FormatInt(id, 10), ip)
	if err != nil {
		s.logger.Printf("invitation %d: rate limiter unavailable: %v", id, err)
		return nil
	}
	if !res.Allowed {
		return types.NewPinLocked(now.Add(res.RetryAfter))
	}

	return nil
}

func (s *Service) recordFailure(ctx context.Context, inv database.Invitation, now time.Time) error {
	updated, err := s.store.RecordPinFailure(ctx, database.PinFailureParams{
		Id:          inv.Id,
		Now:         now,
		MaxAttempts: MaxAttempts,
		LockUntil:   now.Add(LockDuration),
	})
	if err != nil {
		return fmt.Errorf("record pin failure: %w", err)
	}

	s.stats.Incr(stats.PinFailures)

	if updated.Locked(now) {
		if !inv.Locked(now) {
			s.stats.Incr(stats.PinLockouts)
			s.logger.Printf("invitation %d: locked after %d failed attempts", updated.Id, updated.PinAttempts)
		}
		return types.NewPinLocked(*updated.PinLockedUntil)
	}

	return types.ErrPinInvalid
}

func (s *Service) stateErr(ctx context.Context, id int64, now time.Time) error {
	inv, err := s.store.GetInvitation(ctx, id)
	if err != nil {
		return fmt.Errorf("reload invitation: %w", err)
	}
	if !inv.IsActive || inv.Expired(now) {
		return types.ErrExpiredToken
	}
	if inv.Locked(now) {
		return lockedErr(inv, now)
	}

	return fmt.Errorf("accept invitation %d: conflicting update", id)
}

func lockedErr(inv database.Invitation, now time.Time) error {
	if inv.PinLockedUntil != nil {
		return types.NewPinLocked(*inv.PinLockedUntil)
	}
	return types.NewPinLocked(now.Add(LockDuration))
}

// MarkJoined records that the invitee claimed the invited role. The
// invitation must have been accepted first.
func (s *Service) MarkJoined(ctx context.Context, id int64) error {
	err := s.store.MarkInvitationJoined(ctx, id, s.now())
	if errors.Is(err, database.ErrNotFound) {
		return types.ErrPinRequired
	}
	if err != nil {
		return fmt.Errorf("mark invitation joined: %w", err)
	}

	return nil
}

func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if err := s.store.DeactivateInvitation(ctx, id); err != nil {
		return fmt.Errorf("deactivate invitation: %w", err)
	}

	s.logger.Printf("invitation %d deactivated", id)
	return nil
}

// View renders inv for API responses with the e-mail address masked.
func (s *Service) View(inv *database.Invitation) types.Invitation {
	now := s.now()
	return types.Invitation{
		Id:         inv.Id,
		RoomId:     inv.RoomId,
		Role:       inv.Role,
		Email:      RedactEmail(inv.Email),
		URL:        s.BuildURL(inv),
		ExpiresAt:  inv.ExpiresAt,
		AcceptedAt: inv.AcceptedAt,
		JoinedAt:   inv.JoinedAt,
		Expired:    inv.Expired(now),
		Locked:     inv.Locked(now),
		IsActive:   inv.IsActive,
	}
}

// RedactEmail keeps the first character of the local part and the domain.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}

	return local[:1] + "***@" + domain
}
