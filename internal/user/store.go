package user

import (
	"context"
	"time"
)

// GuestFilter selects which kinds of users a listing returns.
type GuestFilter struct {
	IncludeGuests bool
	ExcludeUsers  bool
}

// AllKinds returns regular users and guests.
var AllKinds = GuestFilter{IncludeGuests: true}

// SearchType selects the columns SearchByName matches against.
type SearchType int

const (
	SearchLoginName SearchType = 1 << iota
	SearchDisplayName
)

// MailSearch tunes SearchByMail.
type MailSearch struct {
	ConsiderAliases bool
	IncludeGuests   bool
	ExcludeUsers    bool
}

// Store is the capability set shared by the relational store and the caching
// decorator in front of it.
type Store interface {
	User(ctx context.Context, contextID, userID int) (*User, error)
	Users(ctx context.Context, contextID int, userIDs []int) ([]*User, error)
	AllUsers(ctx context.Context, contextID int, filter GuestFilter) ([]*User, error)
	ListUserIDs(ctx context.Context, contextID int, filter GuestFilter) ([]int, error)
	GuestsCreatedBy(ctx context.Context, contextID, userID int) ([]*User, error)
	ListModified(ctx context.Context, contextID int, since time.Time) ([]int, error)

	UserID(ctx context.Context, contextID int, login string) (int, error)
	ResolveIMAPLogin(ctx context.Context, contextID int, imapLogin string) ([]int, error)
	IsGuest(ctx context.Context, contextID, userID int) (bool, error)
	Exists(ctx context.Context, contextID, userID int) (bool, error)

	SearchByName(ctx context.Context, contextID int, pattern string, types SearchType) ([]*User, error)
	SearchByMail(ctx context.Context, contextID int, mail string, opts MailSearch) (*User, error)
	SearchByMailLogin(ctx context.Context, contextID int, login string) ([]*User, error)

	CreateUser(ctx context.Context, contextID int, u *User) (int, error)
	UpdateUser(ctx context.Context, upd *Update) error
	UpdatePassword(ctx context.Context, contextID, userID int, mech, password string, salt []byte) error
	DeleteUser(ctx context.Context, contextID, userID int) error

	Attribute(ctx context.Context, contextID, userID int, name string) (string, bool, error)
	SetAttribute(ctx context.Context, contextID, userID int, name, value string) error
	RemoveAttribute(ctx context.Context, contextID, userID int, name string) error
	SetAttributeAndReload(ctx context.Context, contextID, userID int, name, value string) (*User, error)

	InvalidateUser(ctx context.Context, contextID, userID int) error
}

// PublicAttribute reads a client-visible attribute through s.
func PublicAttribute(ctx context.Context, s Store, contextID, userID int, name string) (string, bool, error) {
	if name == "" {
		return "", false, Unexpected("attribute name is required")
	}
	return s.Attribute(ctx, contextID, userID, PublicAttributePrefix+name)
}

// SetPublicAttribute writes a client-visible attribute through s.
func SetPublicAttribute(ctx context.Context, s Store, contextID, userID int, name, value string) error {
	if name == "" {
		return Unexpected("attribute name is required")
	}
	return s.SetAttribute(ctx, contextID, userID, PublicAttributePrefix+name, value)
}
