package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("backend closed")

// MemoryStore is a thread-safe in-process Backend. Failures can be injected
// per operation.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]directory.ConversationRecord
	messages      map[string][]directory.MessageRecord
	folders       []directory.Folder
	failures      map[directory.Op]error
	closed        bool
	now           func() time.Time
}

var _ directory.Backend = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]directory.ConversationRecord{},
		messages:      map[string][]directory.MessageRecord{},
		folders:       []directory.Folder{},
		failures:      map[directory.Op]error{},
		now:           time.Now,
	}
}

// SetFailure makes op fail with err until it is reset with a nil err.
func (s *MemoryStore) SetFailure(op directory.Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MemoryStore) PutConversation(rec directory.ConversationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[rec.ID] = clone.Clone(rec).(directory.ConversationRecord)
}

func (s *MemoryStore) AddFolder(f directory.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders = append(s.folders, clone.Clone(f).(directory.Folder))
}

func (s *MemoryStore) AddMessages(conversationID string, records ...directory.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.messages[conversationID] = append(s.messages[conversationID], clone.Clone(rec).(directory.MessageRecord))
	}
}

func (s *MemoryStore) checkLocked(op directory.Op) error {
	if s.closed {
		return ErrClosed
	}
	return s.failures[op]
}

// ListConversations returns the conversations, most recently updated first.
func (s *MemoryStore) ListConversations(_ context.Context) ([]directory.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(directory.OpLoadConversations); err != nil {
		return nil, err
	}

	out := make([]directory.ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		out = append(out, clone.Clone(rec).(directory.ConversationRecord))
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListFolders(_ context.Context) ([]directory.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(directory.OpLoadFolders); err != nil {
		return nil, err
	}
	return clone.Clone(s.folders).([]directory.Folder), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]directory.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(directory.OpLoadMessages); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, errors.Errorf("conversation %s not found", conversationID)
	}
	out := make([]directory.MessageRecord, 0, len(s.messages[conversationID]))
	for _, rec := range s.messages[conversationID] {
		out = append(out, clone.Clone(rec).(directory.MessageRecord))
	}
	return out, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, title string) (directory.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(directory.OpCreateConversation); err != nil {
		return directory.ConversationRecord{}, err
	}

	now := s.now()
	rec := directory.ConversationRecord{
		ID:        uuid.NewString(),
		Title:     helpers.NonEmptyPtr(title),
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	s.conversations[rec.ID] = rec
	return clone.Clone(rec).(directory.ConversationRecord), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortRecords(records []directory.ConversationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := recordTime(records[i]), recordTime(records[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].ID < records[j].ID
	})
}

func recordTime(rec directory.ConversationRecord) time.Time {
	switch {
	case rec.UpdatedAt != nil:
		return *rec.UpdatedAt
	case rec.CreatedAt != nil:
		return *rec.CreatedAt
	}
	return time.Time{}
}
