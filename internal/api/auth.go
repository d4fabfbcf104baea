package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	moderatorCookieKey = "dealroom_moderator"

	roleClaim      = "role"
	expClaim       = "exp"
	moderatorClaim = "moderator"

	DefaultModeratorTokenExp = 12 * time.Hour
)

// CreateModeratorToken signs a bearer token granting the moderator
// endpoints until exp elapses.
func CreateModeratorToken(key []byte, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		roleClaim: moderatorClaim,
		expClaim:  time.Now().Add(exp).Unix(),
	})

	return token.SignedString(key)
}

func verifyModeratorToken(key []byte, tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid token claims")
	}
	if role, _ := claims[roleClaim].(string); role != moderatorClaim {
		return fmt.Errorf("invalid role claim")
	}
	// jwt v3 accepts tokens without exp
	if _, ok := claims[expClaim]; !ok {
		return fmt.Errorf("missing exp claim")
	}

	return nil
}

func moderatorToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}

	if c, err := r.Cookie(moderatorCookieKey); err == nil {
		return c.Value
	}

	return ""
}

func (s *RoomApp) isModerator(r *http.Request) bool {
	t := moderatorToken(r)
	if t == "" {
		return false
	}

	if err := verifyModeratorToken(s.signingKey, t); err != nil {
		s.log.Printf("[%s] moderator token: %v", RequestId(r.Context()), err)
		return false
	}

	return true
}
