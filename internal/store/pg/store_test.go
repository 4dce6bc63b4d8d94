package pg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"

	"userdir.org/internal/user"
)

var userCols = []string{
	"id", "userpassword", "passwordmech", "salt", "mail", "maildomain", "mailenabled",
	"imapserver", "imaplogin", "smtpserver", "preferredlanguage", "timezone", "shadowlastchange",
	"contactid", "guestcreatedby", "filestore_id", "filestore_owner", "filestore_name",
	"filestore_login", "filestore_passwd", "quota_max",
}

func addUserRow(rows *sqlmock.Rows, id, contactID, createdBy int, mail string) *sqlmock.Rows {
	return rows.AddRow(id, "hash", "{SHA}", []byte("salt"), mail, "example.com", true,
		"imap.example.com", mail, "smtp.example.com", "de_DE", "Europe/Berlin", nil,
		contactID, createdBy, 0, 0, nil, nil, nil, nil)
}

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	return New(DBProvider{DB: sqlx.NewDb(db, "pgx")}, append(base, opts...)...), mock
}

func TestUserLoadsCompleteRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM "user" WHERE cid = \$1 AND id IN \(\$2\)`).WithArgs(1, 42).
		WillReturnRows(addUserRow(sqlmock.NewRows(userCols), 42, 7, 0, "alice@example.com"))
	mock.ExpectQuery(`SELECT id, uid FROM login2user WHERE cid = \$1 AND id IN \(\$2\)`).WithArgs(1, 42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uid"}).AddRow(42, "alice"))
	mock.ExpectQuery(`FROM prg_contacts WHERE cid = \$1 AND intfield01 IN \(\$2\)`).WithArgs(1, 7).
		WillReturnRows(sqlmock.NewRows([]string{"intfield01", "field01", "field02", "field03"}).AddRow(7, "Alice Liddell", "Liddell", "Alice"))
	mock.ExpectQuery(`SELECT id, name, value FROM user_attribute WHERE cid = \$1 AND id IN \(\$2\)`).WithArgs(1, 42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "value"}).AddRow(42, "attr_theme", "dark"))
	mock.ExpectQuery(`SELECT user_id, alias FROM user_alias`).WithArgs(1, 42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "alias"}).AddRow(42, "al@xn--mller-kva.de"))
	mock.ExpectQuery(`SELECT member, id FROM groups_member`).WithArgs(1, 42).
		WillReturnRows(sqlmock.NewRows([]string{"member", "id"}).AddRow(42, 5))

	u, err := s.User(context.Background(), 1, 42)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if u.LoginInfo != "alice" || u.DisplayName != "Alice Liddell" || u.GivenName != "Alice" || u.Surname != "Liddell" {
		t.Fatalf("unexpected identity: %+v", u)
	}
	if v, _ := u.PublicAttribute("theme"); v != "dark" {
		t.Fatalf("unexpected attributes: %v", u.Attributes)
	}
	if !slices.Equal(u.Groups, []int{user.GroupAllUsers, 5}) {
		t.Fatalf("unexpected groups: %v", u.Groups)
	}
	if !slices.Equal(u.Aliases, []string{"al@müller.de"}) {
		t.Fatalf("unexpected aliases: %v", u.Aliases)
	}
	if u.ShadowLastChange != -1 || u.Filestore.Quota != -1 {
		t.Fatalf("NULL columns not mapped: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsersMissingIDFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM "user" WHERE cid = \$1 AND id IN \(\$2, \$3\)`).WithArgs(1, 10, 11).
		WillReturnRows(addUserRow(sqlmock.NewRows(userCols), 10, 0, 0, "a@example.com"))

	_, err := s.Users(context.Background(), 1, []int{10, 11})
	if !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "user 11") || !strings.Contains(err.Error(), "context 1") {
		t.Fatalf("error should name the missing id and context: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsersChunksIDLists(t *testing.T) {
	s, mock := newMockStore(t, WithInLimit(2), WithAliasStore(nil))

	mock.ExpectQuery(`FROM "user" WHERE cid = \$1 AND id IN \(\$2, \$3\)`).WithArgs(1, 3, 1).
		WillReturnRows(addUserRow(addUserRow(sqlmock.NewRows(userCols), 3, 0, 9, "guest@example.com"), 1, 0, 9, ""))
	mock.ExpectQuery(`FROM "user" WHERE cid = \$1 AND id IN \(\$2\)`).WithArgs(1, 2).
		WillReturnRows(addUserRow(sqlmock.NewRows(userCols), 2, 0, 9, ""))
	mock.ExpectQuery(`FROM user_attribute WHERE cid = \$1 AND id IN \(\$2, \$3\)`).WithArgs(1, 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "value"}))
	mock.ExpectQuery(`FROM user_attribute WHERE cid = \$1 AND id IN \(\$2\)`).WithArgs(1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "value"}))
	mock.ExpectQuery(`FROM groups_member WHERE cid = \$1 AND member IN \(\$2, \$3\)`).WithArgs(1, 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"member", "id"}))
	mock.ExpectQuery(`FROM groups_member WHERE cid = \$1 AND member IN \(\$2\)`).WithArgs(1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"member", "id"}))

	users, err := s.Users(context.Background(), 1, []int{3, 1, 2})
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if users[0].ID != 3 || users[1].ID != 1 || users[2].ID != 2 {
		t.Fatalf("result not in request order: %d %d %d", users[0].ID, users[1].ID, users[2].ID)
	}
	if users[1].DisplayName != "Gast" || users[1].LoginInfo != "Gast" {
		t.Fatalf("anonymous guest placeholder missing: %+v", users[1])
	}
	if users[0].DisplayName != "" {
		t.Fatalf("invited guest must not get a placeholder: %q", users[0].DisplayName)
	}
	if !slices.Equal(users[0].Groups, []int{user.GroupGuests}) {
		t.Fatalf("guest groups wrong: %v", users[0].Groups)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockedAttributeLoadRejectsSeveralUsers(t *testing.T) {
	s, _ := newMockStore(t)
	byID := map[int]*user.User{1: {ID: 1}, 2: {ID: 2}}
	err := s.loadAttributes(context.Background(), nil, 1, byID, true)
	if !errors.Is(err, user.ErrLockingNotAllowed) {
		t.Fatalf("expected locking error, got %v", err)
	}
}

func TestLikePattern(t *testing.T) {
	cases := map[string]string{
		"al*":   "al%",
		"a?ice": "a_ice%",
		"*":     "%",
		"bob%":  "bob%",
	}
	for in, want := range cases {
		if got := likePattern(in); got != want {
			t.Fatalf("likePattern(%q) = %q, want %q", in, got, want)
		}
	}
	if got := likeLiteral("a_b%c"); got != `a\_b\%c` {
		t.Fatalf("unexpected literal %q", got)
	}
}

func TestChunks(t *testing.T) {
	got := chunks([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 || !slices.Equal(got[2], []int{5}) {
		t.Fatalf("unexpected chunks: %v", got)
	}
	if chunks(nil, 2) != nil {
		t.Fatal("empty input must produce no chunks")
	}
	if !slices.Equal(distinct([]int{3, 1, 3, 2, 1}), []int{3, 1, 2}) {
		t.Fatal("distinct must keep first occurrence order")
	}
}

func TestUserIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id FROM login2user WHERE cid = \$1 AND uid = \$2`).WithArgs(1, "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.UserID(context.Background(), 1, "ghost"); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveIMAPLogin(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id FROM "user" WHERE cid = \$1 AND imapLogin = \$2`).WithArgs(1, "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4).AddRow(9))
	mock.ExpectQuery(`SELECT id FROM "user" WHERE cid = \$1 AND imapLogin = \$2`).WithArgs(1, "nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ids, err := s.ResolveIMAPLogin(context.Background(), 1, "alice")
	if err != nil || !slices.Equal(ids, []int{4, 9}) {
		t.Fatalf("ResolveIMAPLogin = %v, %v", ids, err)
	}
	if _, err := s.ResolveIMAPLogin(context.Background(), 1, "nobody"); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExistsAndIsGuest(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT 1 FROM "user"`).WithArgs(1, 5).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM "user"`).WithArgs(1, 6).WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectQuery(`SELECT guestCreatedBy FROM "user"`).WithArgs(1, 5).WillReturnRows(sqlmock.NewRows([]string{"guestcreatedby"}).AddRow(3))

	ctx := context.Background()
	if ok, err := s.Exists(ctx, 1, 5); err != nil || !ok {
		t.Fatalf("Exists(5) = %v, %v", ok, err)
	}
	if ok, err := s.Exists(ctx, 1, 6); err != nil || ok {
		t.Fatalf("Exists(6) = %v, %v", ok, err)
	}
	if guest, err := s.IsGuest(ctx, 1, 5); err != nil || !guest {
		t.Fatalf("IsGuest(5) = %v, %v", guest, err)
	}
}

func TestReaderFailureIsNoConnection(t *testing.T) {
	s := New(failingProvider{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err := s.User(context.Background(), 1, 1)
	if !errors.Is(err, user.ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}
	if err := s.UpdateUser(context.Background(), user.NewUpdate(1, 1).SetMail("x@example.com")); !errors.Is(err, user.ErrNoConnection) {
		t.Fatalf("expected no connection on write, got %v", err)
	}
}

type failingProvider struct{}

func (failingProvider) Reader(context.Context, int) (*sqlx.Conn, error) {
	return nil, errors.New("pool exhausted")
}
func (failingProvider) Writer(context.Context, int) (*sqlx.Conn, error) {
	return nil, errors.New("pool exhausted")
}
