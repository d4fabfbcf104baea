package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultRoomIDTTL = 6 * time.Hour

	fieldSep  = "|"
	sigSize   = 12
	nonceSize = 8

	domainAccess = "dealroom.access.v1"
	domainRoomID = "dealroom.roomid.v1"
)

var pinPattern = regexp.MustCompile(`^[A-Za-z0-9]{0,16}$`)

// Keys is the secret-holding capability the codec is built on.
type Keys interface {
	crypter.Signer
	crypter.Crypter
}

type Format string

const (
	FormatCompact Format = "compact"
	FormatLegacy  Format = "legacy"
)

// AccessToken is a decoded, verified room access capability.
type AccessToken struct {
	RoomID   int64
	Role     types.Role
	IssuedAt time.Time
	Nonce    string
	Pin      string
	Format   Format
}

// RequiresPin reports whether the link must be accompanied by a matching pin.
func (t AccessToken) RequiresPin() bool {
	return t.Pin != ""
}

// CheckPin compares the supplied pin against the embedded one in constant time.
func (t AccessToken) CheckPin(pin string) error {
	if !t.RequiresPin() {
		return nil
	}
	if pin == "" {
		return types.ErrPinRequired
	}
	if subtle.ConstantTimeCompare([]byte(pin), []byte(t.Pin)) != 1 {
		return types.ErrPinInvalid
	}

	return nil
}

type Option func(*Codec)

func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithRoomIDTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.roomIDTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// errDeclined is returned by a parser when the input is not in its format,
// handing the input to the next parser in the chain.
var errDeclined = errors.New("format declined")

type parser struct {
	format Format
	parse  func(raw string) (AccessToken, error)
}

// Codec builds and verifies access tokens and opaque room ids. It has no
// mutable state and is safe for concurrent use.
type Codec struct {
	keys      Keys
	ttl       time.Duration
	roomIDTTL time.Duration
	now       func() time.Time
	parsers   []parser
}

func NewCodec(keys Keys, opts ...Option) *Codec {
	c := &Codec{
		keys:      keys,
		ttl:       DefaultTTL,
		roomIDTTL: DefaultRoomIDTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	// New formats are appended; existing parsers are never changed so
	// links minted by older encoders keep working.
	c.parsers = []parser{
		{format: FormatCompact, parse: c.parseCompact},
		{format: FormatLegacy, parse: c.parseLegacy},
	}

	return c
}

func (c *Codec) TTL() time.Duration {
	return c.ttl
}

func (c *Codec) RoomIDTTL() time.Duration {
	return c.roomIDTTL
}

// ExpiresAt is the last instant at which tok still verifies.
func (c *Codec) ExpiresAt(tok AccessToken) time.Time {
	return tok.IssuedAt.Add(c.ttl)
}

// Encode builds a compact signed access token.
func (c *Codec) Encode(roomID int64, role types.Role, pin string) (string, error) {
	fields, err := c.accessFields(roomID, role, pin)
	if err != nil {
		return "", err
	}

	return encodeSigned(fields, c.accessSignature(fields)), nil
}

// Decode verifies raw against every known format in order. All failures
// are *types.Rejection values.
func (c *Codec) Decode(raw string) (AccessToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccessToken{}, types.ErrMalformedToken
	}

	for _, p := range c.parsers {
		tok, err := p.parse(raw)
		if errors.Is(err, errDeclined) {
			continue
		}
		if err != nil {
			return AccessToken{}, err
		}
		tok.Format = p.format
		return tok, nil
	}

	return AccessToken{}, types.ErrMalformedToken
}

// accessFields returns room, role, issued_at, nonce and pin in signing order.
func (c *Codec) accessFields(roomID int64, role types.Role, pin string) ([]string, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("invalid room id %d", roomID)
	}
	if !role.Valid() {
		return nil, types.ErrUnknownRole
	}
	if !pinPattern.MatchString(pin) {
		return nil, fmt.Errorf("pin must be at most 16 letters or digits")
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	return []string{
		strconv.FormatInt(roomID, 10),
		string(role),
		strconv.FormatInt(c.now().Unix(), 10),
		nonce,
		pin,
	}, nil
}

func (c *Codec) accessSignature(fields []string) string {
	return c.signature(domainAccess, fields)
}

func (c *Codec) signature(domain string, fields []string) string {
	tag := c.keys.Sign(domain, []byte(strings.Join(fields, fieldSep)))
	return hex.EncodeToString(tag[:sigSize])
}

func validSignature(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// verifyAccess runs the integrity, expiry and role checks, in that order,
// over fields that have already been split out of either format.
func (c *Codec) verifyAccess(fields []string, sig string) (AccessToken, error) {
	if !validSignature(c.accessSignature(fields), sig) {
		return AccessToken{}, types.ErrTamperedToken
	}

	roomID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || roomID <= 0 {
		return AccessToken{}, types.ErrMalformedToken
	}
	issued, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return AccessToken{}, types.ErrMalformedToken
	}

	issuedAt := time.Unix(issued, 0)
	if c.now().Sub(issuedAt) > c.ttl {
		return AccessToken{}, types.ErrExpiredToken
	}

	role := types.Role(fields[1])
	if !role.Valid() {
		return AccessToken{}, types.ErrUnknownRole
	}

	return AccessToken{
		RoomID:   roomID,
		Role:     role,
		IssuedAt: issuedAt,
		Nonce:    fields[3],
		Pin:      fields[4],
	}, nil
}

func newNonce() (string, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	return hex.EncodeToString(b), nil
}
