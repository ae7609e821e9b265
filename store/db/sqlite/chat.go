package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/deepsearch/store"
)

// UpsertChat replaces the full state of a chat in one transaction.
func (d *DB) UpsertChat(ctx context.Context, upsert *store.UpsertChat) (*store.Chat, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().Unix()
	chat := &store.Chat{
		UID:       upsert.UID,
		CreatorID: upsert.CreatorID,
		Title:     upsert.Title,
		UpdatedTs: now,
	}

	err = tx.QueryRowContext(ctx, `SELECT id, created_ts FROM chat WHERE uid = ?`, upsert.UID).
		Scan(&chat.ID, &chat.CreatedTs)
	switch {
	case err == sql.ErrNoRows:
		chat.CreatedTs = now
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO chat (uid, creator_id, title, created_ts, updated_ts)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`,
			chat.UID, chat.CreatorID, chat.Title, chat.CreatedTs, chat.UpdatedTs,
		).Scan(&chat.ID); err != nil {
			return nil, fmt.Errorf("failed to create chat: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to find chat: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE chat SET title = ?, updated_ts = ? WHERE id = ?`,
			chat.Title, chat.UpdatedTs, chat.ID); err != nil {
			return nil, fmt.Errorf("failed to update chat: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_message WHERE chat_id = ?`, chat.ID); err != nil {
			return nil, fmt.Errorf("failed to delete chat messages: %w", err)
		}
	}

	// Positions come from slice order so the stored set is always dense and
	// zero-based.
	for i, message := range upsert.Messages {
		parts := message.Parts
		if len(parts) == 0 {
			parts = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message (chat_id, role, position, parts)
			VALUES (?, ?, ?, ?)`,
			chat.ID, message.Role, i, string(parts),
		); err != nil {
			return nil, fmt.Errorf("failed to insert chat message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat upsert: %w", err)
	}

	return chat, nil
}

func (d *DB) GetChat(ctx context.Context, find *store.FindChat) (*store.Chat, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.CreatorID != nil {
		where, args = append(where, "creator_id = ?"), append(args, *find.CreatorID)
	}

	query := `SELECT id, uid, creator_id, title, created_ts, updated_ts FROM chat WHERE ` + strings.Join(where, " AND ")
	chat := &store.Chat{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(
		&chat.ID, &chat.UID, &chat.CreatorID, &chat.Title, &chat.CreatedTs, &chat.UpdatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, chat_id, role, position, parts
		FROM chat_message
		WHERE chat_id = ?
		ORDER BY position ASC`, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		message := &store.ChatMessage{}
		var parts string
		if err := rows.Scan(&message.ID, &message.ChatID, &message.Role, &message.Position, &parts); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		message.Parts = []byte(parts)
		chat.Messages = append(chat.Messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat messages: %w", err)
	}

	return chat, nil
}

func (d *DB) ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.CreatorID != nil {
		where, args = append(where, "creator_id = ?"), append(args, *find.CreatorID)
	}

	query := `
		SELECT id, uid, creator_id, title, created_ts, updated_ts
		FROM chat
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC, id DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Chat, 0)
	for rows.Next() {
		chat := &store.Chat{}
		if err := rows.Scan(&chat.ID, &chat.UID, &chat.CreatorID, &chat.Title, &chat.CreatedTs, &chat.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		list = append(list, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}

	return list, nil
}
