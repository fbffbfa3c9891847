package sessions

import (
	"errors"
	"time"

	"github.com/dohr-michael/ozzie/internal/storage/dirstore"
)

const messagesFilename = "messages.jsonl"

// FileStore persists conversations as directories keyed by conversation_id,
// each holding meta.json + messages.jsonl. Built on the same directory-per-
// entity primitives internal/storage.EventLogger uses for its audit trail,
// so the atomic-write and append-only JSONL behavior is shared rather than
// reimplemented per store.
type FileStore struct {
	ds *dirstore.DirStore
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(baseDir, "conversation")}
}

// GetOrCreate returns the conversation's metadata, creating it on first use.
// conversation_id is the routing key the Gateway/Worker already carry, so
// unlike a task store there is no separate ID-generation step — the caller
// always knows the id up front.
func (fs *FileStore) GetOrCreate(conversationID string) (*Conversation, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	c, err := fs.readMeta(conversationID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, dirstore.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	c = &Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	if err := fs.ds.EnsureDir(conversationID); err != nil {
		return nil, err
	}
	if err := fs.ds.WriteMeta(conversationID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get reads conversation metadata by id.
func (fs *FileStore) Get(conversationID string) (*Conversation, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()
	return fs.readMeta(conversationID)
}

// AppendMessage appends a message to the conversation's JSONL file and
// bumps its meta.
func (fs *FileStore) AppendMessage(conversationID string, msg Message) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if err := fs.ds.EnsureDir(conversationID); err != nil {
		return err
	}
	if err := fs.ds.AppendJSONL(conversationID, messagesFilename, msg); err != nil {
		return err
	}

	c, err := fs.readMeta(conversationID)
	if err != nil {
		c = &Conversation{ID: conversationID, CreatedAt: time.Now()}
	}
	c.MessageCount++
	c.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(conversationID, c)
}

// LoadMessages reads all messages for a conversation.
func (fs *FileStore) LoadMessages(conversationID string) ([]Message, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()
	return dirstore.LoadJSONL[Message](fs.ds, conversationID, messagesFilename)
}

// AddUsage accumulates token usage onto the conversation's running total.
func (fs *FileStore) AddUsage(conversationID string, usage TokenUsage) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	c, err := fs.readMeta(conversationID)
	if err != nil {
		c = &Conversation{ID: conversationID, CreatedAt: time.Now()}
	}
	c.TokenUsage.Input += usage.Input
	c.TokenUsage.Output += usage.Output
	c.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(conversationID, c)
}

func (fs *FileStore) readMeta(conversationID string) (*Conversation, error) {
	var c Conversation
	if err := fs.ds.ReadMeta(conversationID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
