// Package storage persists raw messages per mailbox identity.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Categories a message can be stored under
const (
	CategoryInbox = "inbox"
	CategorySent  = "sent"
)

var (
	// ErrInvalidIdentity is returned for identities that cannot name a mailbox area
	ErrInvalidIdentity = errors.New("storage: invalid identity")
	// ErrInvalidCategory is returned for unknown categories
	ErrInvalidCategory = errors.New("storage: invalid category")
	// ErrNotFound is returned by Load when the message does not exist
	ErrNotFound = errors.New("storage: message not found")
)

var filenameRe = regexp.MustCompile(`^(\d+)_([0-9a-f]{16})\.eml$`)

// Store persists a raw message and returns its stored filename
type Store interface {
	Save(ctx context.Context, identity string, raw []byte, category string) (string, error)
}

// Loader reads back a stored message
type Loader interface {
	Load(ctx context.Context, identity, category, filename string) ([]byte, error)
}

// Flags are the per-message flags recorded beside every stored message
type Flags struct {
	Seen    bool `json:"seen"`
	Flagged bool `json:"flagged"`
	Deleted bool `json:"deleted"`
}

// DefaultFlags returns the flags of a newly stored message
func DefaultFlags() Flags {
	return Flags{}
}

// NewFilename returns "<unixMillis>_<16 hex chars>.eml" for now
func NewFilename(now time.Time) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("storage: read random: %v", err))
	}
	return fmt.Sprintf("%d_%s.eml", now.UnixMilli(), hex.EncodeToString(b[:]))
}

// ValidFilename reports whether name follows the stored filename contract
func ValidFilename(name string) bool {
	return filenameRe.MatchString(name)
}

// FilenameTime returns the timestamp encoded in a stored filename
func FilenameTime(name string) (time.Time, error) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("storage: malformed filename %q", name)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: malformed filename %q: %w", name, err)
	}
	return time.UnixMilli(ms), nil
}

// NormalizeIdentity lowercases an address and rejects values that could escape
// the mailbox area.
func NormalizeIdentity(identity string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return id, nil
}

func checkCategory(category string) error {
	switch category {
	case CategoryInbox, CategorySent:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
}
