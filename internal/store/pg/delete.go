package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"userdir.org/internal/audit"
	"userdir.org/internal/ids"
	"userdir.org/internal/user"
)

// DeleteSubtype tells listeners which kind of user goes away.
type DeleteSubtype string

const (
	DeleteRegular        DeleteSubtype = "user"
	DeleteInvitedGuest   DeleteSubtype = "guest"
	DeleteAnonymousGuest DeleteSubtype = "anonymous_guest"
)

// DeleteEvent is handed to every DeleteListener before the user row is gone.
type DeleteEvent struct {
	ID        string
	ContextID int
	UserID    int
	ContactID int
	Mail      string
	CreatedBy int
	Subtype   DeleteSubtype
}

// DeleteListener removes data that refers to a user. It runs inside the
// delete transaction; an error aborts the deletion.
type DeleteListener interface {
	UserDeleted(ctx context.Context, tx *sqlx.Tx, ev DeleteEvent) error
}

// DeleteListenerFunc adapts a function to DeleteListener.
type DeleteListenerFunc func(ctx context.Context, tx *sqlx.Tx, ev DeleteEvent) error

func (f DeleteListenerFunc) UserDeleted(ctx context.Context, tx *sqlx.Tx, ev DeleteEvent) error {
	return f(ctx, tx, ev)
}

// AdminResolver returns the administrator of a context.
type AdminResolver interface {
	AdminUserID(ctx context.Context, q Querier, contextID int) (int, error)
}

// AdminTable reads the context administrator from user_setting_admin.
type AdminTable struct{}

func (AdminTable) AdminUserID(ctx context.Context, q Querier, contextID int) (int, error) {
	var id int
	err := q.QueryRowxContext(ctx, `SELECT "user" FROM user_setting_admin WHERE cid = $1`, contextID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, user.Unexpected("context %d has no administrator", contextID)
	}
	return id, err
}

// DeleteUser removes a user and everything the store owns about it.
func (s *Store) DeleteUser(ctx context.Context, contextID, userID int) error {
	conn, err := s.writer(ctx, contextID)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return user.SQLError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteUser(ctx, tx, contextID, userID); err != nil {
		return wrapSQL(err)
	}
	if err := tx.Commit(); err != nil {
		return user.SQLError(err)
	}
	return nil
}

// DeleteUserTx deletes inside a transaction owned by the caller.
func (s *Store) DeleteUserTx(ctx context.Context, tx *sqlx.Tx, contextID, userID int) error {
	return wrapSQL(s.deleteUser(ctx, tx, contextID, userID))
}

func (s *Store) deleteUser(ctx context.Context, tx *sqlx.Tx, contextID, userID int) error {
	var (
		mail      sql.NullString
		contactID int
		createdBy int
	)
	err := tx.QueryRowxContext(ctx,
		`SELECT mail, contactId, guestCreatedBy FROM "user" WHERE cid = $1 AND id = $2`,
		contextID, userID).Scan(&mail, &contactID, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return user.NotFound(contextID, userID)
	}
	if err != nil {
		return err
	}

	ev := DeleteEvent{
		ID:        ids.New(),
		ContextID: contextID,
		UserID:    userID,
		ContactID: contactID,
		Mail:      mail.String,
		CreatedBy: createdBy,
		Subtype:   DeleteRegular,
	}
	if createdBy > 0 {
		ev.Subtype = DeleteInvitedGuest
		if mail.String == "" {
			ev.Subtype = DeleteAnonymousGuest
		}
	}
	for _, l := range s.listeners {
		if err := l.UserDeleted(ctx, tx, ev); err != nil {
			return fmt.Errorf("delete listener: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO del_user (cid, id, contactId, guestCreatedBy) VALUES ($1, $2, $3, $4)`,
		contextID, userID, contactID, createdBy); err != nil {
		return err
	}
	if createdBy > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM login2user WHERE cid = $1 AND id = $2`, contextID, userID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_attribute WHERE cid = $1 AND id = $2`, contextID, userID); err != nil {
		return err
	}
	if s.aliases != nil {
		if err := s.aliases.DeleteAliases(ctx, tx, contextID, userID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM "user" WHERE cid = $1 AND id = $2`, contextID, userID); err != nil {
		return err
	}
	if createdBy == 0 {
		if err := s.reassignGuests(ctx, tx, contextID, userID); err != nil {
			return err
		}
	}

	_ = audit.LogEvent(ctx, "user.deleted", map[string]any{
		"event_id":   ev.ID,
		"context_id": contextID,
		"user_id":    userID,
		"subtype":    string(ev.Subtype),
	})
	return nil
}

// reassignGuests hands the guests created by a deleted user to the earliest
// other user sharing with them, or to the context administrator.
func (s *Store) reassignGuests(ctx context.Context, q Querier, contextID, deletedID int) error {
	var guests []int
	if err := sqlx.SelectContext(ctx, q, &guests,
		`SELECT id FROM "user" WHERE cid = $1 AND guestCreatedBy = $2`, contextID, deletedID); err != nil {
		return err
	}
	admin := -1
	for _, guest := range guests {
		var owner int
		err := q.QueryRowxContext(ctx,
			`SELECT created_by FROM share WHERE cid = $1 AND guest = $2 AND created_by <> $3 ORDER BY created ASC LIMIT 1`,
			contextID, guest, deletedID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if admin < 0 {
				if s.admins == nil {
					return user.MissingService("admin resolver")
				}
				if admin, err = s.admins.AdminUserID(ctx, q, contextID); err != nil {
					return err
				}
			}
			owner = admin
		case err != nil:
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE "user" SET guestCreatedBy = $1 WHERE cid = $2 AND id = $3`, owner, contextID, guest); err != nil {
			return err
		}
		_ = audit.LogEvent(ctx, "user.guest.reassigned", map[string]any{
			"context_id": contextID,
			"guest_id":   guest,
			"from":       deletedID,
			"to":         owner,
		})
	}
	return nil
}
