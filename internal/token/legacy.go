package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/npezzotti/go-dealroom/internal/types"
)

// legacyPayload is the encrypted map carried by links minted before the
// compact format existed.
type legacyPayload struct {
	RoomID   int64  `json:"room_id"`
	Role     string `json:"role"`
	IssuedAt int64  `json:"issued_at"`
	Nonce    string `json:"nonce"`
	Pin      string `json:"pin,omitempty"`
	Hash     string `json:"hash"`
}

func (p legacyPayload) fields() []string {
	return []string{
		strconv.FormatInt(p.RoomID, 10),
		p.Role,
		strconv.FormatInt(p.IssuedAt, 10),
		p.Nonce,
		p.Pin,
	}
}

// EncodeLegacy mints a token in the encrypted format. Older encoders
// produced the bare base64 ciphertext; urlSafe additionally wraps it in
// base64url the way later ones did.
func (c *Codec) EncodeLegacy(roomID int64, role types.Role, pin string, urlSafe bool) (string, error) {
	fields, err := c.accessFields(roomID, role, pin)
	if err != nil {
		return "", err
	}

	issued, _ := strconv.ParseInt(fields[2], 10, 64)
	payload, err := json.Marshal(legacyPayload{
		RoomID:   roomID,
		Role:     string(role),
		IssuedAt: issued,
		Nonce:    fields[3],
		Pin:      pin,
		Hash:     c.accessSignature(fields),
	})
	if err != nil {
		return "", fmt.Errorf("marshal legacy payload: %w", err)
	}

	blob, err := c.keys.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt legacy payload: %w", err)
	}

	out := base64.StdEncoding.EncodeToString(blob)
	if urlSafe {
		out = base64.RawURLEncoding.EncodeToString([]byte(out))
	}

	return out, nil
}

func (c *Codec) parseLegacy(raw string) (AccessToken, error) {
	var best error = types.ErrMalformedToken

	for _, candidate := range legacyCandidates(raw) {
		tok, err := c.parseLegacyBlob(candidate)
		if err == nil {
			return tok, nil
		}
		if rank(err) > rank(best) {
			best = err
		}
	}

	return AccessToken{}, best
}

// legacyCandidates returns the ciphertexts raw could stand for: the
// base64url-unwrapped form first, then raw itself read as plain base64.
func legacyCandidates(raw string) [][]byte {
	var out [][]byte

	if wrapped, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "=")); err == nil {
		if blob, err := base64.StdEncoding.DecodeString(string(wrapped)); err == nil {
			out = append(out, blob)
		}
	}

	// query strings turn '+' into ' '
	if blob, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw, " ", "+")); err == nil {
		out = append(out, blob)
	}

	return out
}

func (c *Codec) parseLegacyBlob(blob []byte) (AccessToken, error) {
	plaintext, err := c.keys.Decrypt(blob)
	if err != nil {
		return AccessToken{}, types.ErrTamperedToken
	}

	var p legacyPayload
	if err := json.Unmarshal(plaintext, &p); err != nil || p.Hash == "" {
		return AccessToken{}, types.ErrMalformedToken
	}

	return c.verifyAccess(p.fields(), p.Hash)
}

// rank orders rejections by how much they tell the caller, so that the
// most specific failure across candidates is reported.
func rank(err error) int {
	switch {
	case errors.Is(err, types.ErrExpiredToken), errors.Is(err, types.ErrUnknownRole):
		return 2
	case errors.Is(err, types.ErrTamperedToken):
		return 1
	default:
		return 0
	}
}
