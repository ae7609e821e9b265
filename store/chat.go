package store

import "encoding/json"

// Chat is a persisted conversation. The UID is the caller-facing identity;
// the numeric ID is internal to the database.
type Chat struct {
	ID        int32
	UID       string
	CreatorID int32
	Title     string
	CreatedTs int64
	UpdatedTs int64

	// Messages is populated by GetChat, ordered by position.
	Messages []*ChatMessage
}

// ChatMessage is one message of a chat. Position is dense and zero-based
// within its chat; Parts is the JSON-encoded ordered part list.
type ChatMessage struct {
	ID       int32
	ChatID   int32
	Role     string
	Position int32
	Parts    json.RawMessage
}

// UpsertChat is the input for the replace-all chat upsert. Message positions
// are assigned from slice order; any pre-set Position value is ignored.
type UpsertChat struct {
	CreatorID int32
	UID       string
	Title     string
	Messages  []*ChatMessage
}

type FindChat struct {
	UID       *string
	CreatorID *int32
}
