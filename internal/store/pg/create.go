package pg

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"userdir.org/internal/user"
)

const insertUser = `
	INSERT INTO "user" (cid, id, imapServer, imapLogin, mail, mailDomain, mailEnabled,
		preferredLanguage, shadowLastChange, smtpServer, timeZone, userPassword, contactId,
		passwordMech, salt, guestCreatedBy, filestore_id, filestore_owner, filestore_name,
		filestore_login, filestore_passwd, quota_max)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

// CreateUser stores a new user and returns its id.
func (s *Store) CreateUser(ctx context.Context, contextID int, u *user.User) (int, error) {
	var id int
	err := s.inWriteTx(ctx, contextID, func(tx *sqlx.Tx) error {
		var err error
		id, err = s.createUser(ctx, tx, contextID, u)
		return err
	})
	return id, err
}

// CreateUserTx stores a new user inside a transaction owned by the caller.
func (s *Store) CreateUserTx(ctx context.Context, tx *sqlx.Tx, contextID int, u *user.User) (int, error) {
	id, err := s.createUser(ctx, tx, contextID, u)
	return id, wrapSQL(err)
}

func (s *Store) nextID(ctx context.Context, q Querier, contextID int) (int, error) {
	var id int
	err := q.QueryRowxContext(ctx, `
		INSERT INTO sequence_principal (cid, id) VALUES ($1, 1)
		ON CONFLICT (cid) DO UPDATE SET id = sequence_principal.id + 1
		RETURNING id`, contextID).Scan(&id)
	return id, err
}

// FilestoreName is the storage name of a user owned filestore.
func FilestoreName(contextID, userID int) string {
	return fmt.Sprintf("%d_ctx_%d_user_store", contextID, userID)
}

func (s *Store) createUser(ctx context.Context, q Querier, contextID int, u *user.User) (int, error) {
	if u == nil {
		return 0, user.Unexpected("user is nil")
	}
	id, err := s.nextID(ctx, q, contextID)
	if err != nil {
		return 0, err
	}

	var (
		fsID, fsOwner       any
		fsName, fsLogin     any
		fsPassword, quotaMx any
	)
	if u.Filestore.ID > 0 {
		fsID, fsOwner = u.Filestore.ID, u.Filestore.Owner
		fsName = FilestoreName(contextID, id)
		fsLogin, fsPassword = nullIfEmpty(u.Filestore.Login), nullIfEmpty(u.Filestore.Password)
		if u.Filestore.Quota >= 0 {
			quotaMx = u.Filestore.Quota
		}
	} else {
		fsID, fsOwner = 0, 0
	}
	var shadow any
	if u.ShadowLastChange >= 0 {
		shadow = u.ShadowLastChange
	}

	if _, err := q.ExecContext(ctx, insertUser,
		contextID, id,
		nullIfEmpty(u.IMAPServer), nullIfEmpty(u.IMAPLogin),
		u.Mail, asciiDomain(u.MailDomain), u.MailEnabled,
		u.PreferredLanguage, shadow, nullIfEmpty(u.SMTPServer), u.TimeZone,
		nullIfEmpty(u.Password), u.ContactID, u.PasswordMech, u.Salt, u.CreatedBy,
		fsID, fsOwner, fsName, fsLogin, fsPassword, quotaMx,
	); err != nil {
		return 0, err
	}

	if !u.IsGuest() {
		login := u.LoginInfo
		if s.lowerLogins {
			login = strings.ToLower(login)
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO login2user (cid, id, uid) VALUES ($1, $2, $3)`, contextID, id, login); err != nil {
			return 0, err
		}
	}

	if len(u.Attributes) > 0 {
		if _, err := s.insertAttributes(ctx, q, contextID, id, user.AttributeDelta{Added: u.Attributes}); err != nil {
			return 0, err
		}
	}

	if s.aliases != nil {
		for _, alias := range u.Aliases {
			if err := s.aliases.CreateAlias(ctx, q, contextID, id, alias); err != nil {
				return 0, err
			}
		}
	}
	return id, nil
}
