package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/invite"
	"github.com/npezzotti/go-dealroom/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// MemoryDSN selects the in-process repository.
const MemoryDSN = "memory://"

type Config struct {
	DatabaseDSN       string
	ServerAddr        string
	SigningKey        []byte
	AllowedOrigins    []string
	BaseURL           string
	AccessTokenTTL    time.Duration
	RoomIDTTL         time.Duration
	InvitationTTL     time.Duration
	InactivityTimeout time.Duration
	RedisAddr         string
	BcryptCost        int
	SecureCookies     bool
}

type Option func(*Config)

func WithAccessTokenTTL(d time.Duration) Option {
	return func(c *Config) {
		c.AccessTokenTTL = d
	}
}

func WithRoomIDTTL(d time.Duration) Option {
	return func(c *Config) {
		c.RoomIDTTL = d
	}
}

func WithInvitationTTL(d time.Duration) Option {
	return func(c *Config) {
		c.InvitationTTL = d
	}
}

func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.InactivityTimeout = d
	}
}

func WithBaseURL(u string) Option {
	return func(c *Config) {
		c.BaseURL = strings.TrimRight(u, "/")
	}
}

func WithRedisAddr(addr string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
	}
}

func WithBcryptCost(cost int) Option {
	return func(c *Config) {
		c.BcryptCost = cost
	}
}

func WithSecureCookies(secure bool) Option {
	return func(c *Config) {
		c.SecureCookies = secure
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(signingKey) < crypter.MinSecretSize {
		return nil, crypter.ErrSecretTooShort
	}

	cfg := &Config{
		DatabaseDSN:       databaseDSN,
		ServerAddr:        serverAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		BaseURL:           "http://localhost:8000",
		AccessTokenTTL:    token.DefaultTTL,
		RoomIDTTL:         token.DefaultRoomIDTTL,
		InvitationTTL:     invite.DefaultTTL,
		InactivityTimeout: identity.InactivityThreshold,
		BcryptCost:        bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	ttls := map[string]time.Duration{
		"access token TTL":   c.AccessTokenTTL,
		"room id TTL":        c.RoomIDTTL,
		"invitation TTL":     c.InvitationTTL,
		"inactivity timeout": c.InactivityTimeout,
	}
	for name, d := range ttls {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}

	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	return nil
}

// UseMemoryStore reports whether the DSN selects the in-process repository.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseDSN == MemoryDSN
}
