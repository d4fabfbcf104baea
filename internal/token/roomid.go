package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RoomIDPrefix marks an obfuscated room id. Plain numeric ids from old links
// never carry it.
const RoomIDPrefix = "rm_"

// roomIDMarker keeps a room-id payload from ever verifying as an access token.
const roomIDMarker = "rid"

const roomIDFieldCount = 5

// EncodeRoomID hides a numeric room id behind a short-lived signed string.
func (c *Codec) EncodeRoomID(roomID int64) (string, error) {
	if roomID <= 0 {
		return "", fmt.Errorf("invalid room id %d", roomID)
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	fields := []string{
		strconv.FormatInt(roomID, 10),
		strconv.FormatInt(c.now().Unix(), 10),
		nonce,
		roomIDMarker,
	}

	return RoomIDPrefix + encodeSigned(fields, c.signature(domainRoomID, fields)), nil
}

// DecodeRoomID returns the room id behind raw. Input without the prefix is
// accepted as a plain positive numeric id in canonical decimal form.
func (c *Codec) DecodeRoomID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)

	encoded, ok := strings.CutPrefix(raw, RoomIDPrefix)
	if !ok {
		return parseID(raw)
	}

	parts, ok := decodeSigned(encoded)
	if !ok || len(parts) != roomIDFieldCount || parts[3] != roomIDMarker || !isSignature(parts[4]) {
		return 0, false
	}

	fields := parts[:roomIDFieldCount-1]
	if !validSignature(c.signature(domainRoomID, fields), parts[4]) {
		return 0, false
	}

	id, ok := parseID(fields[0])
	if !ok {
		return 0, false
	}
	issued, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || c.now().Sub(time.Unix(issued, 0)) > c.roomIDTTL {
		return 0, false
	}

	return id, true
}

// parseID rejects signs, leading zeros and anything else that would let
// two spellings name the same room.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != s {
		return 0, false
	}
	return id, true
}
