package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/net/idna"
)

// AliasStore manages the additional mail addresses of users.
type AliasStore interface {
	Aliases(ctx context.Context, q Querier, contextID int, userIDs []int) (map[int][]string, error)
	UserByAlias(ctx context.Context, q Querier, contextID int, alias string) (int, bool, error)
	CreateAlias(ctx context.Context, q Querier, contextID, userID int, alias string) error
	DeleteAliases(ctx context.Context, q Querier, contextID, userID int) error
}

// AliasTable keeps aliases in the user_alias table.
type AliasTable struct{}

func (AliasTable) Aliases(ctx context.Context, q Querier, contextID int, userIDs []int) (map[int][]string, error) {
	out := make(map[int][]string)
	if len(userIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT user_id, alias FROM user_alias WHERE cid = ? AND user_id IN (?) ORDER BY alias`, contextID, userIDs)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryxContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, err
		}
		out[id] = append(out[id], UnicodeAddress(alias))
	}
	return out, rows.Err()
}

func (AliasTable) UserByAlias(ctx context.Context, q Querier, contextID int, alias string) (int, bool, error) {
	var id int
	err := q.QueryRowxContext(ctx,
		`SELECT user_id FROM user_alias WHERE cid = $1 AND LOWER(alias) = LOWER($2) LIMIT 1`,
		contextID, ASCIIAddress(alias)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (AliasTable) CreateAlias(ctx context.Context, q Querier, contextID, userID int, alias string) error {
	token := uuid.New()
	_, err := q.ExecContext(ctx,
		`INSERT INTO user_alias (cid, user_id, alias, uuid) VALUES ($1, $2, $3, $4)`,
		contextID, userID, ASCIIAddress(alias), token[:])
	return err
}

func (AliasTable) DeleteAliases(ctx context.Context, q Querier, contextID, userID int) error {
	_, err := q.ExecContext(ctx, `DELETE FROM user_alias WHERE cid = $1 AND user_id = $2`, contextID, userID)
	return err
}

// UnicodeAddress converts the domain part of an address from ACE to Unicode.
// Addresses that do not convert are returned unchanged.
func UnicodeAddress(addr string) string {
	return convertDomain(addr, idna.Lookup.ToUnicode)
}

// ASCIIAddress converts the domain part of an address to its ACE form.
func ASCIIAddress(addr string) string {
	return convertDomain(addr, idna.Lookup.ToASCII)
}

func convertDomain(addr string, conv func(string) (string, error)) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return addr
	}
	domain, err := conv(addr[at+1:])
	if err != nil {
		return addr
	}
	return addr[:at+1] + domain
}
