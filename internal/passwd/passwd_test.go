package passwd

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"userdir.org/internal/user"
)

type recordingStore struct {
	user.Store
	mech, hash string
	salt       []byte
}

func (s *recordingStore) UpdatePassword(_ context.Context, _, _ int, mech, password string, salt []byte) error {
	s.mech, s.hash, s.salt = mech, password, salt
	return nil
}

func TestBCryptRoundTrip(t *testing.T) {
	m := NewBCrypt(bcrypt.MinCost)
	hash, salt, err := m.Encode("secret")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if salt != nil || hash == "secret" {
		t.Fatalf("unexpected encoding %q %v", hash, salt)
	}
	if err := m.Verify("secret", hash, nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := m.Verify("wrong", hash, nil); err == nil {
		t.Fatal("expected mismatch")
	}
	if _, _, err := m.Encode(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected empty password error, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	if m, err := r.Get("{bcrypt}"); err != nil || m.Name() != BCrypt {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	if m, err := r.Get(""); err != nil || m.Name() != BCrypt {
		t.Fatalf("default lookup failed: %v", err)
	}
	if _, err := r.Get("{MD5}"); !errors.Is(err, ErrUnknownMechanism) {
		t.Fatalf("expected unknown mechanism, got %v", err)
	}
}

func TestSetStoresEncodedPassword(t *testing.T) {
	r := NewRegistry()
	r.Register(NewBCrypt(bcrypt.MinCost))
	s := &recordingStore{}

	if err := r.Set(context.Background(), s, 1, 42, "", "hunter2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s.mech != BCrypt || s.hash == "" || s.hash == "hunter2" {
		t.Fatalf("unexpected stored credentials %q %q", s.mech, s.hash)
	}
	u := &user.User{Password: s.hash, PasswordMech: s.mech, Salt: s.salt}
	if err := r.Check(u, "hunter2"); err != nil {
		t.Fatalf("Check: %v", err)
	}
}
