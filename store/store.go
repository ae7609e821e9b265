// Package store provides database access to all raw objects.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/deepsearch/internal/profile"
)

// ErrUserNotFound is returned when the referenced owner does not exist.
var ErrUserNotFound = errors.New("user not found")

// ErrChatOwnership is returned when a chat exists but belongs to a
// different user than the caller.
var ErrChatOwnership = errors.New("chat does not belong to user")

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	return s.driver.CreateUser(ctx, create)
}

func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	return s.driver.GetUser(ctx, find)
}

// UpsertChat replaces the stored state of a chat with the given snapshot.
// It verifies that the creator exists and, when the chat UID is already
// taken, that it belongs to the creator. Both checks fail with a distinct
// error instead of silently overwriting another user's data.
func (s *Store) UpsertChat(ctx context.Context, upsert *UpsertChat) (*Chat, error) {
	user, err := s.driver.GetUser(ctx, &FindUser{ID: &upsert.CreatorID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to verify chat creator")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	existing, err := s.driver.GetChat(ctx, &FindChat{UID: &upsert.UID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up existing chat")
	}
	if existing != nil && existing.CreatorID != upsert.CreatorID {
		return nil, ErrChatOwnership
	}

	return s.driver.UpsertChat(ctx, upsert)
}

// GetChat returns one chat with its messages ordered by position, or nil
// when no chat matches.
func (s *Store) GetChat(ctx context.Context, find *FindChat) (*Chat, error) {
	return s.driver.GetChat(ctx, find)
}

// ListChats returns chats without messages, most recently updated first.
func (s *Store) ListChats(ctx context.Context, find *FindChat) ([]*Chat, error) {
	return s.driver.ListChats(ctx, find)
}
