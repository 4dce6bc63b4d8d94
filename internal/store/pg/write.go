package pg

import (
	"context"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"userdir.org/internal/audit"
	"userdir.org/internal/user"
)

var fieldColumns = map[user.Field]string{
	user.FieldPassword:          "userPassword",
	user.FieldPasswordMech:      "passwordMech",
	user.FieldSalt:              "salt",
	user.FieldMail:              "mail",
	user.FieldMailDomain:        "mailDomain",
	user.FieldMailEnabled:       "mailEnabled",
	user.FieldIMAPServer:        "imapServer",
	user.FieldIMAPLogin:         "imapLogin",
	user.FieldSMTPServer:        "smtpServer",
	user.FieldPreferredLanguage: "preferredLanguage",
	user.FieldTimeZone:          "timeZone",
	user.FieldShadowLastChange:  "shadowLastChange",
	user.FieldContactID:         "contactId",
	user.FieldFilestoreID:       "filestore_id",
	user.FieldFilestoreOwner:    "filestore_owner",
	user.FieldFilestoreName:     "filestore_name",
	user.FieldFilestoreLogin:    "filestore_login",
	user.FieldFilestorePassword: "filestore_passwd",
	user.FieldQuota:             "quota_max",
}

// columnValue converts a field value to its column representation. Negative
// shadowLastChange and quota mean NULL.
func columnValue(f user.Field, v any) any {
	switch f {
	case user.FieldShadowLastChange:
		if n, _ := v.(int); n < 0 {
			return nil
		}
	case user.FieldQuota:
		if n, _ := v.(int64); n < 0 {
			return nil
		}
	}
	return v
}

// inWriteTx runs fn in a fresh transaction on a writer connection. Attempts
// that fail with a serialization failure or deadlock are repeated; every other
// failure ends the loop.
func (s *Store) inWriteTx(ctx context.Context, contextID int, fn func(tx *sqlx.Tx) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), uint64(s.maxAttempts-1)), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			txRetries.Inc()
			s.log.DebugContext(ctx, "retrying user transaction", "context_id", contextID, "attempt", attempt)
		}
		err := s.runTx(ctx, contextID, fn)
		if err == nil || transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err == nil {
		return nil
	}
	if transient(err) {
		s.log.WarnContext(ctx, "user transaction gave up", "context_id", contextID, "attempts", attempt, "error", err)
	}
	return wrapSQL(err)
}

func (s *Store) runTx(ctx context.Context, contextID int, fn func(tx *sqlx.Tx) error) error {
	conn, err := s.writer(ctx, contextID)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return multierror.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// UpdateUser writes the assigned fields and, when present, the target
// attribute map of upd in one transaction.
func (s *Store) UpdateUser(ctx context.Context, upd *user.Update) error {
	if upd == nil {
		return user.Unexpected("update is nil")
	}
	return s.inWriteTx(ctx, upd.ContextID, func(tx *sqlx.Tx) error {
		return s.applyUpdate(ctx, tx, upd)
	})
}

// UpdateUserTx applies upd inside a transaction owned by the caller. The
// caller commits or rolls back and must invalidate cached copies afterwards.
func (s *Store) UpdateUserTx(ctx context.Context, tx *sqlx.Tx, upd *user.Update) error {
	if upd == nil {
		return user.Unexpected("update is nil")
	}
	return wrapSQL(s.applyUpdate(ctx, tx, upd))
}

func (s *Store) applyUpdate(ctx context.Context, q Querier, upd *user.Update) error {
	if fields := upd.Fields(); len(fields) > 0 {
		if err := s.updateFields(ctx, q, upd, fields); err != nil {
			return err
		}
	}
	if attrs, ok := upd.Attributes(); ok {
		return s.writeAttributes(ctx, q, upd.ContextID, upd.UserID, attrs)
	}
	return nil
}

func (s *Store) updateFields(ctx context.Context, q Querier, upd *user.Update, fields []user.Field) error {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		col, ok := fieldColumns[f]
		if !ok {
			return user.Unexpected("field %s cannot be updated", f)
		}
		args = append(args, columnValue(f, upd.Value(f)))
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, upd.ContextID, upd.UserID)
	query := fmt.Sprintf(`UPDATE "user" SET %s WHERE cid = $%d AND id = $%d`, strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.NotFound(upd.ContextID, upd.UserID)
	}
	return nil
}

// writeAttributes turns the stored attributes into target using the minimal
// set of statements. Rows are locked first; any key a statement did not touch
// was changed by someone else in the meantime.
func (s *Store) writeAttributes(ctx context.Context, q Querier, contextID, userID int, target map[string]string) error {
	old, err := s.lockedAttributes(ctx, q, contextID, userID)
	if err != nil {
		return err
	}
	delta := user.Diff(old, target)
	if delta.Empty() {
		return nil
	}

	var mismatched []string
	if len(delta.Added) > 0 {
		done, err := s.insertAttributes(ctx, q, contextID, userID, delta)
		if err != nil {
			return err
		}
		mismatched = append(mismatched, missing(delta.AddedNames(), done)...)
	}
	if len(delta.Removed) > 0 {
		done, err := s.deleteAttributes(ctx, q, contextID, userID, delta.RemovedNames())
		if err != nil {
			return err
		}
		mismatched = append(mismatched, missing(delta.RemovedNames(), done)...)
	}
	if len(delta.Changed) > 0 {
		done, err := s.changeAttributes(ctx, q, contextID, userID, delta)
		if err != nil {
			return err
		}
		mismatched = append(mismatched, missing(delta.ChangedNames(), done)...)
	}
	if len(mismatched) == 0 {
		return nil
	}

	if user.OnlyClientAttributes(mismatched) {
		attributeConflicts.WithLabelValues("true").Inc()
		s.log.WarnContext(ctx, "ignoring concurrent update of client attributes",
			"context_id", contextID, "user_id", userID, "attributes", mismatched)
		return nil
	}

	attributeConflicts.WithLabelValues("false").Inc()
	current, reloadErr := s.currentAttributes(ctx, q, contextID, userID)
	s.log.ErrorContext(ctx, "concurrent update of user attributes",
		"context_id", contextID, "user_id", userID,
		"old", old, "target", target,
		"added", delta.Added, "removed", delta.Removed, "changed", delta.Changed,
		"mismatched", mismatched, "current", current, "reload_error", reloadErr)
	_ = audit.LogEvent(ctx, "user.attributes.conflict", map[string]any{
		"context_id": contextID,
		"user_id":    userID,
		"attributes": mismatched,
	})
	return user.ConcurrentAttributesUpdate(contextID, userID)
}

func (s *Store) insertAttributes(ctx context.Context, q Querier, contextID, userID int, delta user.AttributeDelta) (map[string]bool, error) {
	names := delta.AddedNames()
	args := []any{contextID, userID}
	tuples := make([]string, 0, len(names))
	for _, name := range names {
		token := uuid.New()
		args = append(args, name, delta.Added[name], token[:])
		n := len(args)
		tuples = append(tuples, fmt.Sprintf("($1, $2, $%d, $%d, $%d)", n-2, n-1, n))
	}
	query := `INSERT INTO user_attribute (cid, id, name, value, uuid) VALUES ` + strings.Join(tuples, ", ") +
		` ON CONFLICT (cid, id, name) DO NOTHING RETURNING name`
	return returnedNames(ctx, q, query, args...)
}

func (s *Store) deleteAttributes(ctx context.Context, q Querier, contextID, userID int, names []string) (map[string]bool, error) {
	query, args, err := sqlx.In(`DELETE FROM user_attribute WHERE cid = ? AND id = ? AND name IN (?) RETURNING name`, contextID, userID, names)
	if err != nil {
		return nil, user.Unexpected("expand delete: %v", err)
	}
	return returnedNames(ctx, q, q.Rebind(query), args...)
}

func (s *Store) changeAttributes(ctx context.Context, q Querier, contextID, userID int, delta user.AttributeDelta) (map[string]bool, error) {
	names := delta.ChangedNames()
	args := []any{contextID, userID}
	tuples := make([]string, 0, len(names))
	for _, name := range names {
		pair := delta.Changed[name]
		args = append(args, name, pair.New, pair.Old)
		n := len(args)
		tuples = append(tuples, fmt.Sprintf("($%d::text, $%d::text, $%d::text)", n-2, n-1, n))
	}
	query := `UPDATE user_attribute AS ua SET value = v.new_value FROM (VALUES ` + strings.Join(tuples, ", ") +
		`) AS v(name, new_value, old_value) WHERE ua.cid = $1 AND ua.id = $2 AND ua.name = v.name AND ua.value = v.old_value RETURNING ua.name`
	return returnedNames(ctx, q, query, args...)
}

func returnedNames(ctx context.Context, q Querier, query string, args ...any) (map[string]bool, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

func missing(want []string, done map[string]bool) []string {
	var out []string
	for _, name := range want {
		if !done[name] {
			out = append(out, name)
		}
	}
	return out
}

// UpdatePassword replaces the credential triple of a user.
func (s *Store) UpdatePassword(ctx context.Context, contextID, userID int, mech, password string, salt []byte) error {
	upd := user.NewUpdate(contextID, userID).SetPassword(password).SetPasswordMech(mech).SetSalt(salt)
	return s.UpdateUser(ctx, upd)
}

const upsertAttribute = `
	INSERT INTO user_attribute (cid, id, name, value, uuid) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (cid, id, name) DO UPDATE SET value = EXCLUDED.value`

func (s *Store) upsertAttribute(ctx context.Context, q Querier, contextID, userID int, name, value string) error {
	token := uuid.New()
	if _, err := q.ExecContext(ctx, upsertAttribute, contextID, userID, name, value, token[:]); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return user.ConcurrentAttributesUpdate(contextID, userID)
		}
		return user.SQLError(err)
	}
	return nil
}

// SetAttribute inserts or replaces one attribute.
func (s *Store) SetAttribute(ctx context.Context, contextID, userID int, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return user.Unexpected("attribute name is required")
	}
	conn, err := s.writer(ctx, contextID)
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.upsertAttribute(ctx, conn, contextID, userID, name, value)
}

// SetAttributeAndReload sets one attribute and returns the reloaded user read
// over the same connection.
func (s *Store) SetAttributeAndReload(ctx context.Context, contextID, userID int, name, value string) (*user.User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, user.Unexpected("attribute name is required")
	}
	conn, err := s.writer(ctx, contextID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := s.upsertAttribute(ctx, conn, contextID, userID, name, value); err != nil {
		return nil, err
	}
	users, err := s.loadUsers(ctx, conn, contextID, []int{userID})
	if err != nil {
		return nil, err
	}
	return users[0], nil
}

// RemoveAttribute deletes one attribute. Removing an absent attribute is not
// an error.
func (s *Store) RemoveAttribute(ctx context.Context, contextID, userID int, name string) error {
	if strings.TrimSpace(name) == "" {
		return user.Unexpected("attribute name is required")
	}
	conn, err := s.writer(ctx, contextID)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `DELETE FROM user_attribute WHERE cid = $1 AND id = $2 AND name = $3`, contextID, userID, name); err != nil {
		return user.SQLError(err)
	}
	return nil
}
