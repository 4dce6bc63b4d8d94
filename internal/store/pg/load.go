package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"

	"userdir.org/internal/user"
)

const selectUsers = `
	SELECT id, userPassword AS userpassword, passwordMech AS passwordmech, salt,
		mail, mailDomain AS maildomain, mailEnabled AS mailenabled,
		imapServer AS imapserver, imapLogin AS imaplogin, smtpServer AS smtpserver,
		preferredLanguage AS preferredlanguage, timeZone AS timezone,
		shadowLastChange AS shadowlastchange, contactId AS contactid,
		guestCreatedBy AS guestcreatedby,
		filestore_id, filestore_owner, filestore_name, filestore_login, filestore_passwd, quota_max
	FROM "user" WHERE cid = ? AND id IN (?)`

type userRow struct {
	ID                int            `db:"id"`
	Password          sql.NullString `db:"userpassword"`
	PasswordMech      sql.NullString `db:"passwordmech"`
	Salt              []byte         `db:"salt"`
	Mail              sql.NullString `db:"mail"`
	MailDomain        sql.NullString `db:"maildomain"`
	MailEnabled       bool           `db:"mailenabled"`
	IMAPServer        sql.NullString `db:"imapserver"`
	IMAPLogin         sql.NullString `db:"imaplogin"`
	SMTPServer        sql.NullString `db:"smtpserver"`
	PreferredLanguage sql.NullString `db:"preferredlanguage"`
	TimeZone          sql.NullString `db:"timezone"`
	ShadowLastChange  sql.NullInt64  `db:"shadowlastchange"`
	ContactID         int            `db:"contactid"`
	GuestCreatedBy    int            `db:"guestcreatedby"`
	FilestoreID       sql.NullInt64  `db:"filestore_id"`
	FilestoreOwner    sql.NullInt64  `db:"filestore_owner"`
	FilestoreName     sql.NullString `db:"filestore_name"`
	FilestoreLogin    sql.NullString `db:"filestore_login"`
	FilestorePassword sql.NullString `db:"filestore_passwd"`
	QuotaMax          sql.NullInt64  `db:"quota_max"`
}

func (r userRow) toUser(contextID int) *user.User {
	u := &user.User{
		ContextID:         contextID,
		ID:                r.ID,
		Password:          r.Password.String,
		PasswordMech:      r.PasswordMech.String,
		Salt:              r.Salt,
		Mail:              r.Mail.String,
		MailDomain:        r.MailDomain.String,
		MailEnabled:       r.MailEnabled,
		IMAPServer:        r.IMAPServer.String,
		IMAPLogin:         r.IMAPLogin.String,
		SMTPServer:        r.SMTPServer.String,
		PreferredLanguage: r.PreferredLanguage.String,
		TimeZone:          r.TimeZone.String,
		ShadowLastChange:  -1,
		ContactID:         r.ContactID,
		CreatedBy:         r.GuestCreatedBy,
		Filestore: user.Filestore{
			ID:       int(r.FilestoreID.Int64),
			Owner:    int(r.FilestoreOwner.Int64),
			Name:     r.FilestoreName.String,
			Login:    r.FilestoreLogin.String,
			Password: r.FilestorePassword.String,
			Quota:    -1,
		},
		Attributes: map[string]string{},
	}
	if r.ShadowLastChange.Valid {
		u.ShadowLastChange = int(r.ShadowLastChange.Int64)
	}
	if r.QuotaMax.Valid {
		u.Filestore.Quota = r.QuotaMax.Int64
	}
	u.Groups = []int{u.DefaultGroup()}
	return u
}

// User loads one complete user record.
func (s *Store) User(ctx context.Context, contextID, userID int) (*user.User, error) {
	users, err := s.Users(ctx, contextID, []int{userID})
	if err != nil {
		return nil, err
	}
	return users[0], nil
}

// Users loads complete records for all ids, in request order. A single
// missing id fails the whole call.
func (s *Store) Users(ctx context.Context, contextID int, userIDs []int) ([]*user.User, error) {
	if len(userIDs) == 0 {
		return []*user.User{}, nil
	}
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return s.loadUsers(ctx, conn, contextID, userIDs)
}

func (s *Store) loadUsers(ctx context.Context, q Querier, contextID int, userIDs []int) ([]*user.User, error) {
	ids := distinct(userIDs)
	byID := make(map[int]*user.User, len(ids))
	for _, chunk := range chunks(ids, s.inLimit) {
		query, args, err := sqlx.In(selectUsers, contextID, chunk)
		if err != nil {
			return nil, user.Unexpected("expand user query: %v", err)
		}
		var rows []userRow
		if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
			return nil, user.SQLError(err)
		}
		for _, r := range rows {
			byID[r.ID] = r.toUser(contextID)
		}
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, user.NotFound(contextID, id)
		}
	}

	if err := s.loadLoginInfo(ctx, q, contextID, byID); err != nil {
		return nil, err
	}
	if err := s.loadContacts(ctx, q, contextID, byID); err != nil {
		return nil, err
	}
	if err := s.loadAttributes(ctx, q, contextID, byID, false); err != nil {
		return nil, err
	}
	if err := s.loadAliases(ctx, q, contextID, byID); err != nil {
		return nil, err
	}
	if err := s.loadGroups(ctx, q, contextID, byID); err != nil {
		return nil, err
	}
	for _, u := range byID {
		user.ApplyAnonymousPlaceholder(u)
	}

	out := make([]*user.User, len(userIDs))
	for i, id := range userIDs {
		out[i] = byID[id]
	}
	return out, nil
}

func sortedIDs(byID map[int]*user.User) []int {
	return slices.Sorted(maps.Keys(byID))
}

// forChunks runs query once per chunk of ids and hands every row to scan.
func (s *Store) forChunks(ctx context.Context, q Querier, query string, contextID int, ids []int, scan func(*sqlx.Rows) error) error {
	for _, chunk := range chunks(ids, s.inLimit) {
		expanded, args, err := sqlx.In(query, contextID, chunk)
		if err != nil {
			return user.Unexpected("expand query: %v", err)
		}
		rows, err := q.QueryxContext(ctx, q.Rebind(expanded), args...)
		if err != nil {
			return user.SQLError(err)
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close()
				return user.SQLError(err)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return user.SQLError(err)
		}
		rows.Close()
	}
	return nil
}

func (s *Store) loadLoginInfo(ctx context.Context, q Querier, contextID int, byID map[int]*user.User) error {
	var ids []int
	for _, id := range sortedIDs(byID) {
		if !byID[id].IsGuest() {
			ids = append(ids, id)
		}
	}
	return s.forChunks(ctx, q, `SELECT id, uid FROM login2user WHERE cid = ? AND id IN (?)`, contextID, ids,
		func(rows *sqlx.Rows) error {
			var id int
			var login string
			if err := rows.Scan(&id, &login); err != nil {
				return err
			}
			if u, ok := byID[id]; ok {
				u.LoginInfo = login
			}
			return nil
		})
}

func (s *Store) loadContacts(ctx context.Context, q Querier, contextID int, byID map[int]*user.User) error {
	byContact := make(map[int][]*user.User)
	var ids []int
	for _, id := range sortedIDs(byID) {
		u := byID[id]
		if u.ContactID <= 0 {
			continue
		}
		if _, ok := byContact[u.ContactID]; !ok {
			ids = append(ids, u.ContactID)
		}
		byContact[u.ContactID] = append(byContact[u.ContactID], u)
	}
	return s.forChunks(ctx, q, `SELECT intfield01, field01, field02, field03 FROM prg_contacts WHERE cid = ? AND intfield01 IN (?)`, contextID, ids,
		func(rows *sqlx.Rows) error {
			var contactID int
			var display, surname, given sql.NullString
			if err := rows.Scan(&contactID, &display, &surname, &given); err != nil {
				return err
			}
			for _, u := range byContact[contactID] {
				u.DisplayName = display.String
				u.Surname = surname.String
				u.GivenName = given.String
			}
			return nil
		})
}

// loadAttributes replaces the attribute maps of all users in byID. With lock
// set the rows stay locked until the surrounding transaction ends, which is
// only permitted for a single user.
func (s *Store) loadAttributes(ctx context.Context, q Querier, contextID int, byID map[int]*user.User, lock bool) error {
	if lock && len(byID) > 1 {
		return user.LockingNotAllowed(len(byID))
	}
	ids := sortedIDs(byID)
	for _, u := range byID {
		u.Attributes = map[string]string{}
	}
	query := `SELECT id, name, value FROM user_attribute WHERE cid = ? AND id IN (?)`
	if lock {
		query += ` FOR UPDATE`
	}
	return s.forChunks(ctx, q, query, contextID, ids, func(rows *sqlx.Rows) error {
		var id int
		var name, value string
		if err := rows.Scan(&id, &name, &value); err != nil {
			return err
		}
		if u, ok := byID[id]; ok {
			u.Attributes[name] = value
		}
		return nil
	})
}

func (s *Store) loadGroups(ctx context.Context, q Querier, contextID int, byID map[int]*user.User) error {
	ids := sortedIDs(byID)
	return s.forChunks(ctx, q, `SELECT member, id FROM groups_member WHERE cid = ? AND member IN (?)`, contextID, ids,
		func(rows *sqlx.Rows) error {
			var member, group int
			if err := rows.Scan(&member, &group); err != nil {
				return err
			}
			if u, ok := byID[member]; ok {
				u.Groups = append(u.Groups, group)
			}
			return nil
		})
}

func (s *Store) loadAliases(ctx context.Context, q Querier, contextID int, byID map[int]*user.User) error {
	if s.aliases == nil {
		return nil
	}
	ids := sortedIDs(byID)
	aliases, err := s.aliases.Aliases(ctx, q, contextID, ids)
	if err != nil {
		return wrapSQL(err)
	}
	for id, list := range aliases {
		if u, ok := byID[id]; ok {
			u.Aliases = list
		}
	}
	return nil
}

// lockedAttributes reads the attributes of one user under row lock.
func (s *Store) lockedAttributes(ctx context.Context, q Querier, contextID, userID int) (map[string]string, error) {
	u := &user.User{ContextID: contextID, ID: userID}
	if err := s.loadAttributes(ctx, q, contextID, map[int]*user.User{userID: u}, true); err != nil {
		return nil, err
	}
	return u.Attributes, nil
}

// currentAttributes reads the attributes of one user without locking.
func (s *Store) currentAttributes(ctx context.Context, q Querier, contextID, userID int) (map[string]string, error) {
	u := &user.User{ContextID: contextID, ID: userID}
	if err := s.loadAttributes(ctx, q, contextID, map[int]*user.User{userID: u}, false); err != nil {
		return nil, err
	}
	return u.Attributes, nil
}

// Attribute reads one internal attribute.
func (s *Store) Attribute(ctx context.Context, contextID, userID int, name string) (string, bool, error) {
	if strings.TrimSpace(name) == "" {
		return "", false, user.Unexpected("attribute name is required")
	}
	conn, err := s.reader(ctx, contextID)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()
	var value string
	err = conn.QueryRowxContext(ctx,
		`SELECT value FROM user_attribute WHERE cid = $1 AND id = $2 AND name = $3`,
		contextID, userID, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, user.SQLError(fmt.Errorf("read attribute %s: %w", name, err))
	}
	return value, true, nil
}
