package kiosk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in the session transcript. An assistant message's
// Id equals the remote response id so later deltas can locate it; a user
// message's Id is generated locally unless the remote supplied an item id.
type ChatMessage struct {
	Id        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Streaming bool      `json:"streaming"`
	Timestamp time.Time `json:"timestamp"`
}

// historyCap bounds the persisted transcript to the most recent entries.
const historyCap = 40

// HistoryStore persists the chat log across kiosk restarts. Save is invoked
// by the session whenever the log changes.
type HistoryStore interface {
	Load() ([]ChatMessage, error)
	Save(messages []ChatMessage) error
}

// FileHistoryStore keeps the transcript as a JSON file.
type FileHistoryStore struct {
	path string
	mu   sync.Mutex
}

var _ HistoryStore = (*FileHistoryStore)(nil)

func NewFileHistoryStore(path string) *FileHistoryStore {
	return &FileHistoryStore{path: path}
}

func (s *FileHistoryStore) Load() ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	var messages []ChatMessage
	if err := sonic.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling history: %w", err)
	}
	return messages, nil
}

func (s *FileHistoryStore) Save(messages []ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(messages) > historyCap {
		messages = messages[len(messages)-historyCap:]
	}
	raw, err := sonic.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	return nil
}
