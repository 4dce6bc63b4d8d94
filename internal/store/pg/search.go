package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/net/idna"

	"userdir.org/internal/user"
)

// likePattern converts a user supplied wildcard pattern into a LIKE pattern.
// '*' and '?' become '%' and '_', and a trailing '%' is appended.
func likePattern(pattern string) string {
	p := strings.NewReplacer("*", "%", "?", "_").Replace(pattern)
	if !strings.HasSuffix(p, "%") {
		p += "%"
	}
	return p
}

func guestClause(filter user.GuestFilter) string {
	switch {
	case filter.ExcludeUsers && filter.IncludeGuests:
		return ` AND guestCreatedBy > 0`
	case !filter.IncludeGuests:
		return ` AND guestCreatedBy = 0`
	}
	return ""
}

func (s *Store) queryIDs(ctx context.Context, contextID int, query string, args ...any) ([]int, error) {
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	var out []int
	if err := sqlx.SelectContext(ctx, conn, &out, query, args...); err != nil {
		return nil, user.SQLError(err)
	}
	return out, nil
}

// ListUserIDs returns the ids of all users matching filter, ascending.
func (s *Store) ListUserIDs(ctx context.Context, contextID int, filter user.GuestFilter) ([]int, error) {
	if filter.ExcludeUsers && !filter.IncludeGuests {
		return []int{}, nil
	}
	return s.queryIDs(ctx, contextID, `SELECT id FROM "user" WHERE cid = $1`+guestClause(filter)+` ORDER BY id`, contextID)
}

// AllUsers loads every user matching filter.
func (s *Store) AllUsers(ctx context.Context, contextID int, filter user.GuestFilter) ([]*user.User, error) {
	ids, err := s.ListUserIDs(ctx, contextID, filter)
	if err != nil {
		return nil, err
	}
	return s.Users(ctx, contextID, ids)
}

// GuestsCreatedBy loads the guests a user invited.
func (s *Store) GuestsCreatedBy(ctx context.Context, contextID, userID int) ([]*user.User, error) {
	ids, err := s.queryIDs(ctx, contextID, `SELECT id FROM "user" WHERE cid = $1 AND guestCreatedBy = $2 ORDER BY id`, contextID, userID)
	if err != nil {
		return nil, err
	}
	return s.Users(ctx, contextID, ids)
}

// ListModified returns users whose contact changed after since.
func (s *Store) ListModified(ctx context.Context, contextID int, since time.Time) ([]int, error) {
	return s.queryIDs(ctx, contextID, `
		SELECT u.id FROM "user" u
		JOIN prg_contacts c ON c.cid = u.cid AND c.intfield01 = u.contactId
		WHERE u.cid = $1 AND c.changing_date > $2 ORDER BY u.id`, contextID, since)
}

// UserID resolves a login name.
func (s *Store) UserID(ctx context.Context, contextID int, login string) (int, error) {
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	var id int
	err = conn.QueryRowxContext(ctx, `SELECT id FROM login2user WHERE cid = $1 AND uid = $2`, contextID, login).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, user.NotFoundBy(contextID, "login", login)
	}
	if err != nil {
		return 0, user.SQLError(err)
	}
	return id, nil
}

// ResolveIMAPLogin returns the users with the given IMAP login.
func (s *Store) ResolveIMAPLogin(ctx context.Context, contextID int, imapLogin string) ([]int, error) {
	ids, err := s.queryIDs(ctx, contextID, `SELECT id FROM "user" WHERE cid = $1 AND imapLogin = $2 ORDER BY id`, contextID, imapLogin)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, user.NotFoundBy(contextID, "IMAP login", imapLogin)
	}
	return ids, nil
}

// IsGuest reports whether a user is a guest.
func (s *Store) IsGuest(ctx context.Context, contextID, userID int) (bool, error) {
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	var createdBy int
	err = conn.QueryRowxContext(ctx, `SELECT guestCreatedBy FROM "user" WHERE cid = $1 AND id = $2`, contextID, userID).Scan(&createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, user.NotFound(contextID, userID)
	}
	if err != nil {
		return false, user.SQLError(err)
	}
	return createdBy > 0, nil
}

// Exists reports whether a user exists.
func (s *Store) Exists(ctx context.Context, contextID, userID int) (bool, error) {
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	var one int
	err = conn.QueryRowxContext(ctx, `SELECT 1 FROM "user" WHERE cid = $1 AND id = $2`, contextID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, user.SQLError(err)
	}
	return true, nil
}

// SearchByName matches login names, display names or both.
func (s *Store) SearchByName(ctx context.Context, contextID int, pattern string, types user.SearchType) ([]*user.User, error) {
	like := likePattern(pattern)
	var query string
	switch {
	case types&user.SearchLoginName != 0 && types&user.SearchDisplayName != 0:
		query = `
			SELECT DISTINCT u.id FROM "user" u
			LEFT JOIN login2user l ON l.cid = u.cid AND l.id = u.id
			LEFT JOIN prg_contacts c ON c.cid = u.cid AND c.intfield01 = u.contactId
			WHERE u.cid = $1 AND (l.uid LIKE $2 OR c.field01 LIKE $2) ORDER BY u.id`
	case types&user.SearchLoginName != 0:
		query = `SELECT id FROM login2user WHERE cid = $1 AND uid LIKE $2 ORDER BY id`
	case types&user.SearchDisplayName != 0:
		query = `
			SELECT u.id FROM "user" u
			JOIN prg_contacts c ON c.cid = u.cid AND c.intfield01 = u.contactId
			WHERE u.cid = $1 AND c.field01 LIKE $2 ORDER BY u.id`
	default:
		return []*user.User{}, nil
	}
	ids, err := s.queryIDs(ctx, contextID, query, contextID, like)
	if err != nil {
		return nil, err
	}
	return s.Users(ctx, contextID, ids)
}

// SearchByMailLogin matches the IMAP login.
func (s *Store) SearchByMailLogin(ctx context.Context, contextID int, login string) ([]*user.User, error) {
	ids, err := s.queryIDs(ctx, contextID, `SELECT id FROM "user" WHERE cid = $1 AND imapLogin LIKE $2 ORDER BY id`, contextID, likePattern(login))
	if err != nil {
		return nil, err
	}
	return s.Users(ctx, contextID, ids)
}

// SearchByMail finds the user owning a primary address or, optionally, an
// alias. Internationalized domains given in ACE form are tried in Unicode
// form first.
func (s *Store) SearchByMail(ctx context.Context, contextID int, mail string, opts user.MailSearch) (*user.User, error) {
	candidates := []string{mail}
	if strings.Contains(strings.ToLower(mail), "xn--") {
		if uni := UnicodeAddress(mail); uni != mail {
			candidates = []string{uni, mail}
		}
	}
	for _, candidate := range candidates {
		u, err := s.searchByMail(ctx, contextID, candidate, opts)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, user.ErrNotFound) {
			return nil, err
		}
	}
	return nil, user.NotFoundBy(contextID, "mail", mail)
}

func (s *Store) searchByMail(ctx context.Context, contextID int, mail string, opts user.MailSearch) (*user.User, error) {
	if opts.ExcludeUsers && !opts.IncludeGuests {
		return nil, user.NotFoundBy(contextID, "mail", mail)
	}
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	filter := user.GuestFilter{IncludeGuests: opts.IncludeGuests, ExcludeUsers: opts.ExcludeUsers}
	var id int
	err = conn.QueryRowxContext(ctx,
		`SELECT id FROM "user" WHERE cid = $1 AND LOWER(mail) LIKE LOWER($2)`+guestClause(filter)+` ORDER BY id LIMIT 1`,
		contextID, likeLiteral(mail)).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !opts.ConsiderAliases || s.aliases == nil {
			return nil, user.NotFoundBy(contextID, "mail", mail)
		}
		var ok bool
		id, ok, err = s.aliases.UserByAlias(ctx, conn, contextID, mail)
		if err != nil {
			return nil, user.SQLError(err)
		}
		if !ok {
			return nil, user.NotFoundBy(contextID, "mail", mail)
		}
	case err != nil:
		return nil, user.SQLError(err)
	}

	users, err := s.loadUsers(ctx, conn, contextID, []int{id})
	if err != nil {
		return nil, err
	}
	u := users[0]
	if (u.IsGuest() && !opts.IncludeGuests) || (!u.IsGuest() && opts.ExcludeUsers) {
		return nil, user.NotFoundBy(contextID, "mail", mail)
	}
	return u, nil
}

// likeLiteral escapes LIKE metacharacters so that an address matches itself.
func likeLiteral(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

// asciiDomain is used when storing addresses of new users.
func asciiDomain(domain string) string {
	if domain == "" {
		return ""
	}
	if ace, err := idna.Lookup.ToASCII(domain); err == nil {
		return ace
	}
	return domain
}
