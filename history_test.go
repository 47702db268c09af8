package kiosk

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHistoryStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	store := NewFileHistoryStore(path)

	// A missing file is an empty history, not an error.
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	messages := []ChatMessage{
		{Id: "1", Role: RoleUser, Text: "hello", Timestamp: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		{Id: "2", Role: RoleAssistant, Text: "hi there", Timestamp: time.Date(2026, 1, 2, 9, 0, 3, 0, time.UTC)},
	}
	require.NoError(t, store.Save(messages))

	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, messages, loaded)
}

func TestFileHistoryStoreCapsEntries(t *testing.T) {
	store := NewFileHistoryStore(filepath.Join(t.TempDir(), "history.json"))

	var messages []ChatMessage
	for i := range historyCap + 10 {
		messages = append(messages, ChatMessage{Id: fmt.Sprintf("m%d", i), Role: RoleUser, Text: "x"})
	}
	require.NoError(t, store.Save(messages))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, historyCap)
	assert.Equal(t, "m10", loaded[0].Id)
	assert.Equal(t, fmt.Sprintf("m%d", historyCap+9), loaded[historyCap-1].Id)
}

func TestFileHistoryStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := NewFileHistoryStore(path).Load()
	assert.Error(t, err)
}
