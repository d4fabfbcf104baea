package token

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/npezzotti/go-dealroom/internal/types"
)

var compactEncoding = base64.RawURLEncoding.Strict()

// Compact tokens are base64url("room|role|issued_at|nonce|pin|sig").
const compactFieldCount = 6

func encodeSigned(fields []string, sig string) string {
	parts := append(append([]string{}, fields...), sig)
	return compactEncoding.EncodeToString([]byte(strings.Join(parts, fieldSep)))
}

// decodeSigned splits a base64url payload into its fields. ok is false when
// the input does not structurally look like a delimited payload at all.
func decodeSigned(raw string) (parts []string, ok bool) {
	b, err := compactEncoding.DecodeString(raw)
	if err != nil || !isDelimited(b) {
		return nil, false
	}

	return strings.Split(string(b), fieldSep), true
}

// isDelimited is the cheap structural check separating a signed payload from
// ciphertext: printable ASCII containing the field separator.
func isDelimited(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}

	return strings.Contains(string(b), fieldSep)
}

func isSignature(s string) bool {
	if len(s) != 2*sigSize {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

func (c *Codec) parseCompact(raw string) (AccessToken, error) {
	parts, ok := decodeSigned(raw)
	if !ok {
		return AccessToken{}, errDeclined
	}
	if len(parts) != compactFieldCount || !isSignature(parts[compactFieldCount-1]) {
		return AccessToken{}, types.ErrMalformedToken
	}

	return c.verifyAccess(parts[:compactFieldCount-1], parts[compactFieldCount-1])
}
