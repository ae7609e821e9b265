package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hrygo/deepsearch/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now

	stmt := `
		INSERT INTO "user" (username, role, nickname, password_hash, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.Username,
		create.Role,
		create.Nickname,
		create.PasswordHash,
		create.CreatedTs,
		create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return create, nil
}

func (d *DB) GetUser(ctx context.Context, find *store.FindUser) (*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, fmt.Sprintf("id = $%d", len(args)+1)), append(args, *find.ID)
	}
	if find.Username != nil {
		where, args = append(where, fmt.Sprintf("username = $%d", len(args)+1)), append(args, *find.Username)
	}

	query := `SELECT id, username, role, nickname, password_hash, created_ts, updated_ts FROM "user" WHERE ` + joinAnd(where)
	user := &store.User{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID, &user.Username, &user.Role, &user.Nickname, &user.PasswordHash, &user.CreatedTs, &user.UpdatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}
