// Package directory authenticates SMTP AUTH credentials.
package directory

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor used by HashPassword
const BcryptCost = 12

// ErrInvalidCredentials is returned for an unknown user, an inactive user or a wrong password
var ErrInvalidCredentials = errors.New("directory: invalid credentials")

// Account is an authenticated user
type Account struct {
	ID       string
	Username string
}

// Directory checks a username and password
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (*Account, error)
}

// HashPassword hashes a password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("directory: hash password: %w", err)
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

type staticEntry struct {
	id     string
	secret string
}

// StaticDirectory is a fixed set of users. Secrets are bcrypt hashes or, for
// development setups, plain text.
type StaticDirectory struct {
	users map[string]staticEntry
}

// NewStaticDirectory creates a directory from username to secret
func NewStaticDirectory(users map[string]string) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]staticEntry, len(users))}
	for name, secret := range users {
		key := strings.ToLower(strings.TrimSpace(name))
		d.users[key] = staticEntry{
			id:     uuid.NewSHA1(uuid.NameSpaceURL, []byte("smtp-user:"+key)).String(),
			secret: secret,
		}
	}
	return d
}

// ParseStatic parses "user=secret" pairs separated by commas
func ParseStatic(list string) (*StaticDirectory, error) {
	users := map[string]string{}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secret, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" || secret == "" {
			return nil, fmt.Errorf("directory: malformed user entry %q", pair)
		}
		users[name] = secret
	}
	return NewStaticDirectory(users), nil
}

// Len returns the number of users
func (d *StaticDirectory) Len() int {
	return len(d.users)
}

// Authenticate checks password against the stored secret
func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (*Account, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	e, ok := d.users[key]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if isBcryptHash(e.secret) {
		if bcrypt.CompareHashAndPassword([]byte(e.secret), []byte(password)) != nil {
			return nil, ErrInvalidCredentials
		}
	} else if subtle.ConstantTimeCompare([]byte(e.secret), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	return &Account{ID: e.id, Username: key}, nil
}
