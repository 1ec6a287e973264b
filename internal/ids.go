package internal

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz156789"

var idEncoding = base32.NewEncoding(idAlphabet).WithPadding(base32.NoPadding)

const (
	queryIDPrefix  = "q_"
	streamIDPrefix = "s_"
)

// newID encodes a time-ordered UUID in 26 lowercase characters.
func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + idEncoding.EncodeToString(id[:])
}

func NewQueryID() string  { return newID(queryIDPrefix) }
func NewStreamID() string { return newID(streamIDPrefix) }

// parseID reverses newID; it fails for ids this process could not have issued.
func parseID(prefix, s string) (uuid.UUID, bool) {
	body, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return uuid.Nil, false
	}
	raw, err := idEncoding.DecodeString(body)
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// streamIDTime returns when a stream id was issued.
func streamIDTime(s string) (time.Time, bool) {
	id, ok := parseID(streamIDPrefix, s)
	if !ok || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// validStreamID reports whether s is shaped like a handle from NewStreamID.
func validStreamID(s string) bool {
	_, ok := parseID(streamIDPrefix, s)
	return ok
}
