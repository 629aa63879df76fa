package store

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last command record of a page. Pages are ordered by
// (created_at, id) descending.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// String packs the cursor as base64url(unix nanos || uuid bytes).
func (c Cursor) String() string {
	var buf [8 + 16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(c.CreatedAt.UnixNano()))
	copy(buf[8:], c.ID[:])
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// ParseCursor returns nil, nil for an empty value.
func ParseCursor(v string) (*Cursor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil || len(b) != 24 {
		return nil, ErrInvalidCursor
	}
	id, err := uuid.FromBytes(b[8:])
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))).UTC()
	return &Cursor{CreatedAt: ts, ID: id}, nil
}
