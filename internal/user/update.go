package user

import (
	"bytes"
	"maps"
)

// Field names an updatable scalar column of a user record.
type Field int

const (
	FieldPassword Field = iota + 1
	FieldPasswordMech
	FieldSalt
	FieldMail
	FieldMailDomain
	FieldMailEnabled
	FieldIMAPServer
	FieldIMAPLogin
	FieldSMTPServer
	FieldPreferredLanguage
	FieldTimeZone
	FieldShadowLastChange
	FieldContactID
	FieldFilestoreID
	FieldFilestoreOwner
	FieldFilestoreName
	FieldFilestoreLogin
	FieldFilestorePassword
	FieldQuota
	fieldEnd
)

var fieldNames = [...]string{
	FieldPassword:          "password",
	FieldPasswordMech:      "passwordMech",
	FieldSalt:              "salt",
	FieldMail:              "mail",
	FieldMailDomain:        "mailDomain",
	FieldMailEnabled:       "mailEnabled",
	FieldIMAPServer:        "imapServer",
	FieldIMAPLogin:         "imapLogin",
	FieldSMTPServer:        "smtpServer",
	FieldPreferredLanguage: "preferredLanguage",
	FieldTimeZone:          "timeZone",
	FieldShadowLastChange:  "shadowLastChange",
	FieldContactID:         "contactId",
	FieldFilestoreID:       "filestoreId",
	FieldFilestoreOwner:    "filestoreOwner",
	FieldFilestoreName:     "filestoreName",
	FieldFilestoreLogin:    "filestoreLogin",
	FieldFilestorePassword: "filestorePassword",
	FieldQuota:             "quota",
}

func (f Field) String() string {
	if f <= 0 || f >= fieldEnd {
		return "unknown"
	}
	return fieldNames[f]
}

// Credential reports whether f belongs to the password triple.
func (f Field) Credential() bool {
	return f == FieldPassword || f == FieldPasswordMech || f == FieldSalt
}

// Value returns the value u holds for f.
func (u *User) Value(f Field) any {
	switch f {
	case FieldPassword:
		return u.Password
	case FieldPasswordMech:
		return u.PasswordMech
	case FieldSalt:
		return u.Salt
	case FieldMail:
		return u.Mail
	case FieldMailDomain:
		return u.MailDomain
	case FieldMailEnabled:
		return u.MailEnabled
	case FieldIMAPServer:
		return u.IMAPServer
	case FieldIMAPLogin:
		return u.IMAPLogin
	case FieldSMTPServer:
		return u.SMTPServer
	case FieldPreferredLanguage:
		return u.PreferredLanguage
	case FieldTimeZone:
		return u.TimeZone
	case FieldShadowLastChange:
		return u.ShadowLastChange
	case FieldContactID:
		return u.ContactID
	case FieldFilestoreID:
		return u.Filestore.ID
	case FieldFilestoreOwner:
		return u.Filestore.Owner
	case FieldFilestoreName:
		return u.Filestore.Name
	case FieldFilestoreLogin:
		return u.Filestore.Login
	case FieldFilestorePassword:
		return u.Filestore.Password
	case FieldQuota:
		return u.Filestore.Quota
	}
	return nil
}

// Update describes a partial modification of one user. Only fields set
// through its setters are written; Attributes, when set, is the complete
// target attribute map.
type Update struct {
	ContextID int
	UserID    int

	values     User
	assigned   [fieldEnd]bool
	attributes map[string]string
	hasAttrs   bool
}

// NewUpdate starts an empty update for the given user.
func NewUpdate(contextID, userID int) *Update {
	return &Update{ContextID: contextID, UserID: userID}
}

func (u *Update) mark(f Field) *Update {
	u.assigned[f] = true
	return u
}

func (u *Update) SetPassword(v string) *Update {
	u.values.Password = v
	return u.mark(FieldPassword)
}

func (u *Update) SetPasswordMech(v string) *Update {
	u.values.PasswordMech = v
	return u.mark(FieldPasswordMech)
}

func (u *Update) SetSalt(v []byte) *Update {
	u.values.Salt = bytes.Clone(v)
	return u.mark(FieldSalt)
}

func (u *Update) SetMail(v string) *Update {
	u.values.Mail = v
	return u.mark(FieldMail)
}

func (u *Update) SetMailDomain(v string) *Update {
	u.values.MailDomain = v
	return u.mark(FieldMailDomain)
}

func (u *Update) SetMailEnabled(v bool) *Update {
	u.values.MailEnabled = v
	return u.mark(FieldMailEnabled)
}

func (u *Update) SetIMAPServer(v string) *Update {
	u.values.IMAPServer = v
	return u.mark(FieldIMAPServer)
}

func (u *Update) SetIMAPLogin(v string) *Update {
	u.values.IMAPLogin = v
	return u.mark(FieldIMAPLogin)
}

func (u *Update) SetSMTPServer(v string) *Update {
	u.values.SMTPServer = v
	return u.mark(FieldSMTPServer)
}

func (u *Update) SetPreferredLanguage(v string) *Update {
	u.values.PreferredLanguage = v
	return u.mark(FieldPreferredLanguage)
}

func (u *Update) SetTimeZone(v string) *Update {
	u.values.TimeZone = v
	return u.mark(FieldTimeZone)
}

func (u *Update) SetShadowLastChange(v int) *Update {
	u.values.ShadowLastChange = v
	return u.mark(FieldShadowLastChange)
}

func (u *Update) SetContactID(v int) *Update {
	u.values.ContactID = v
	return u.mark(FieldContactID)
}

func (u *Update) SetQuota(v int64) *Update {
	u.values.Filestore.Quota = v
	return u.mark(FieldQuota)
}

// SetFilestore assigns all filestore columns at once.
func (u *Update) SetFilestore(fs Filestore) *Update {
	u.values.Filestore = fs
	for _, f := range []Field{FieldFilestoreID, FieldFilestoreOwner, FieldFilestoreName, FieldFilestoreLogin, FieldFilestorePassword, FieldQuota} {
		u.mark(f)
	}
	return u
}

// SetAttributes replaces the complete attribute map of the user. A nil map
// clears all attributes.
func (u *Update) SetAttributes(attrs map[string]string) *Update {
	u.attributes = maps.Clone(attrs)
	if u.attributes == nil {
		u.attributes = map[string]string{}
	}
	u.hasAttrs = true
	return u
}

// Fields returns the assigned fields in declaration order.
func (u *Update) Fields() []Field {
	var out []Field
	for f := Field(1); f < fieldEnd; f++ {
		if u.assigned[f] {
			out = append(out, f)
		}
	}
	return out
}

// Has reports whether f was assigned.
func (u *Update) Has(f Field) bool {
	return f > 0 && f < fieldEnd && u.assigned[f]
}

// Value returns the assigned value of f.
func (u *Update) Value(f Field) any {
	return u.values.Value(f)
}

// Attributes returns the target attribute map and whether one was set.
func (u *Update) Attributes() (map[string]string, bool) {
	return u.attributes, u.hasAttrs
}

// ChangedFields returns the assigned fields whose value differs from current.
func (u *Update) ChangedFields(current *User) []Field {
	var out []Field
	for _, f := range u.Fields() {
		if !sameValue(u.Value(f), current.Value(f)) {
			out = append(out, f)
		}
	}
	return out
}

// Differs reports whether applying u to current would change anything.
// Credentials are compared like every other field.
func (u *Update) Differs(current *User) bool {
	if len(u.ChangedFields(current)) > 0 {
		return true
	}
	if attrs, ok := u.Attributes(); ok {
		return !Diff(current.Attributes, attrs).Empty()
	}
	return false
}

func sameValue(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, _ := b.([]byte)
		return bytes.Equal(ab, bb)
	}
	return a == b
}
