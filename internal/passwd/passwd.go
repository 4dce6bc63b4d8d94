// Package passwd encodes user passwords with a named mechanism before they
// are stored.
package passwd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"userdir.org/internal/user"
)

// BCrypt is the mechanism name stored for bcrypt hashes.
const BCrypt = "{BCRYPT}"

var (
	ErrEmptyPassword    = errors.New("password is empty")
	ErrUnknownMechanism = errors.New("unknown password mechanism")
)

// Mechanism encodes and verifies passwords of one scheme. Schemes that keep
// the salt inside the hash return a nil salt.
type Mechanism interface {
	Name() string
	Encode(password string) (hash string, salt []byte, err error)
	Verify(password, hash string, salt []byte) error
}

type bcryptMech struct {
	cost int
}

// NewBCrypt returns the bcrypt mechanism. A cost of 0 uses bcrypt.DefaultCost.
func NewBCrypt(cost int) Mechanism {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcryptMech{cost: cost}
}

func (bcryptMech) Name() string { return BCrypt }

func (m bcryptMech) Encode(password string) (string, []byte, error) {
	if len(password) == 0 {
		return "", nil, ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return "", nil, err
	}
	return string(hash), nil, nil
}

func (bcryptMech) Verify(password, hash string, _ []byte) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Registry looks mechanisms up by name, case-insensitively.
type Registry struct {
	mu    sync.RWMutex
	mechs map[string]Mechanism
	def   string
}

// NewRegistry returns a registry holding bcrypt as default mechanism.
func NewRegistry() *Registry {
	r := &Registry{mechs: map[string]Mechanism{}, def: BCrypt}
	r.Register(NewBCrypt(0))
	return r
}

// Register adds or replaces a mechanism.
func (r *Registry) Register(m Mechanism) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mechs[strings.ToUpper(m.Name())] = m
}

// Get returns the named mechanism; an empty name selects the default.
func (r *Registry) Get(name string) (Mechanism, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	m, ok := r.mechs[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMechanism, name)
	}
	return m, nil
}

// Set encodes password with the named mechanism and stores the result.
func (r *Registry) Set(ctx context.Context, s user.Store, contextID, userID int, mech, password string) error {
	m, err := r.Get(mech)
	if err != nil {
		return err
	}
	hash, salt, err := m.Encode(password)
	if err != nil {
		return err
	}
	return s.UpdatePassword(ctx, contextID, userID, m.Name(), hash, salt)
}

// Check verifies password against the stored credentials of u.
func (r *Registry) Check(u *user.User, password string) error {
	m, err := r.Get(u.PasswordMech)
	if err != nil {
		return err
	}
	return m.Verify(password, u.Password, u.Salt)
}
