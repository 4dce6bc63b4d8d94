package user

import (
	"strings"

	"golang.org/x/text/language"
)

var (
	placeholderTags = []language.Tag{
		language.English,
		language.German,
		language.French,
		language.Spanish,
		language.Italian,
		language.Dutch,
		language.Japanese,
	}
	placeholderNames = []string{
		"Guest",
		"Gast",
		"Invité",
		"Invitado",
		"Ospite",
		"Gast",
		"ゲスト",
	}
	placeholderMatcher = language.NewMatcher(placeholderTags)
)

// GuestPlaceholderName returns the display name shown for anonymous guests in
// the given locale ("de_DE", "fr", ...). Unknown locales fall back to English.
func GuestPlaceholderName(locale string) string {
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return placeholderNames[0]
	}
	_, idx, conf := placeholderMatcher.Match(tag)
	if conf == language.No {
		return placeholderNames[0]
	}
	return placeholderNames[idx]
}

// ApplyAnonymousPlaceholder sets display name and login info of an anonymous
// guest. The values exist only in memory and are never written back.
func ApplyAnonymousPlaceholder(u *User) {
	if !u.IsAnonymousGuest() {
		return
	}
	name := GuestPlaceholderName(u.PreferredLanguage)
	u.DisplayName = name
	u.LoginInfo = name
}

// HasPlaceholderLogin reports whether the login info of u is the in-memory
// placeholder of an anonymous guest rather than a stored login.
func (u *User) HasPlaceholderLogin() bool {
	return u.IsGuest() && strings.TrimSpace(u.Mail) == "" && u.LoginInfo != "" &&
		u.LoginInfo == u.DisplayName && u.LoginInfo == GuestPlaceholderName(u.PreferredLanguage)
}
