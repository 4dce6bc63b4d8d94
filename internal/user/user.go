package user

import (
	"maps"
	"slices"
	"strings"
)

const (
	// GroupAllUsers is the virtual group every regular user belongs to.
	GroupAllUsers = 0
	// GroupGuests is the virtual group every guest belongs to.
	GroupGuests = 2147483647

	// PublicAttributePrefix marks attributes exposed to clients.
	PublicAttributePrefix = "attr_"
	// ClientAttributePrefix marks ephemeral, client-written attributes whose
	// lost updates are tolerated.
	ClientAttributePrefix = "client:"
)

// Filestore describes the file storage assigned to a user. ID is zero when
// the user has none.
type Filestore struct {
	ID       int    `json:"id"`
	Owner    int    `json:"owner"`
	Name     string `json:"name,omitempty"`
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
	Quota    int64  `json:"quota"`
}

// User is a complete user record within one context (tenant).
type User struct {
	ContextID int `json:"cid"`
	ID        int `json:"id"`

	LoginInfo    string `json:"loginInfo,omitempty"`
	Password     string `json:"password,omitempty"`
	PasswordMech string `json:"passwordMech,omitempty"`
	Salt         []byte `json:"salt,omitempty"`

	Mail              string `json:"mail,omitempty"`
	MailDomain        string `json:"mailDomain,omitempty"`
	MailEnabled       bool   `json:"mailEnabled"`
	IMAPServer        string `json:"imapServer,omitempty"`
	IMAPLogin         string `json:"imapLogin,omitempty"`
	SMTPServer        string `json:"smtpServer,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
	TimeZone          string `json:"timeZone,omitempty"`
	// ShadowLastChange is -1 when the column is NULL.
	ShadowLastChange int `json:"shadowLastChange"`

	ContactID int       `json:"contactId"`
	CreatedBy int       `json:"createdBy"`
	Filestore Filestore `json:"filestore"`

	GivenName   string `json:"givenName,omitempty"`
	Surname     string `json:"surname,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Groups     []int             `json:"groups,omitempty"`
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsGuest reports whether the user was created by another user.
func (u *User) IsGuest() bool {
	return u.CreatedBy > 0
}

// IsAnonymousGuest reports whether u is a guest without mail address and
// display name, i.e. a link share recipient.
func (u *User) IsAnonymousGuest() bool {
	return u.IsGuest() && strings.TrimSpace(u.Mail) == "" && strings.TrimSpace(u.DisplayName) == ""
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Salt = slices.Clone(u.Salt)
	c.Groups = slices.Clone(u.Groups)
	c.Aliases = slices.Clone(u.Aliases)
	if u.Attributes != nil {
		c.Attributes = maps.Clone(u.Attributes)
	}
	return &c
}

// Attribute returns the value of an internal attribute.
func (u *User) Attribute(name string) (string, bool) {
	v, ok := u.Attributes[name]
	return v, ok
}

// PublicAttribute returns the value of a client-visible attribute.
func (u *User) PublicAttribute(name string) (string, bool) {
	return u.Attribute(PublicAttributePrefix + name)
}

// DefaultGroup returns the virtual group the user always belongs to.
func (u *User) DefaultGroup() int {
	if u.IsGuest() {
		return GroupGuests
	}
	return GroupAllUsers
}
