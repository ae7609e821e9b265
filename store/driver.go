package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for database drivers.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// User model related methods.
	CreateUser(ctx context.Context, create *User) (*User, error)
	GetUser(ctx context.Context, find *FindUser) (*User, error)

	// Chat model related methods.
	// UpsertChat replaces the full chat state in a single transaction:
	// update-or-insert the chat row, delete its prior messages, insert the
	// new message set contiguously numbered from zero.
	UpsertChat(ctx context.Context, upsert *UpsertChat) (*Chat, error)
	GetChat(ctx context.Context, find *FindChat) (*Chat, error)
	ListChats(ctx context.Context, find *FindChat) ([]*Chat, error)
}
