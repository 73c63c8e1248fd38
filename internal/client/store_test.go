package client

import (
	"os"
	"path/filepath"
	"testing"

	"ollamachat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "client.json")
	store, err := OpenStore(path)
	require.NoError(t, err)

	require.NoError(t, store.SetLogin(&models.User{ID: 7, Username: "ada"}, "tok"))
	require.NoError(t, store.AppendLocal(3, "Greeting",
		&models.Message{Role: models.RoleUser, Content: "hi"},
		&models.Message{Role: models.RoleAssistant, Content: "hello"},
	))

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", reopened.AuthToken())
	require.NotNil(t, reopened.User())
	assert.Equal(t, "ada", reopened.User().Username)
	ls, ok := reopened.LocalSession(3)
	require.True(t, ok)
	assert.Equal(t, "Greeting", ls.Title)
	assert.Len(t, ls.Messages, 2)

	// no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, reopened.DropLocal(3))
	_, ok = reopened.LocalSession(3)
	assert.False(t, ok)
}

func TestStoreClearAuthKeepsGuestState(t *testing.T) {
	store, err := OpenStore("")
	require.NoError(t, err)
	require.NoError(t, store.Update(func(st *State) {
		st.GuestMessages = 4
		st.GuestToken = "guest"
	}))
	require.NoError(t, store.SetLogin(&models.User{ID: 1}, "tok"))
	assert.Empty(t, store.GuestToken())

	require.NoError(t, store.ClearAuth())
	assert.Empty(t, store.AuthToken())
	assert.Nil(t, store.User())
	assert.Equal(t, GuestMessageLimit-4, store.GuestRemaining())
}

func TestStoreClearAuthDropsUserSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	store, err := OpenStore(path)
	require.NoError(t, err)
	guestMsg := &models.Message{Role: models.RoleUser, Content: "as guest"}
	require.NoError(t, store.AppendLocal(GuestSessionID, "", guestMsg))

	require.NoError(t, store.SetLogin(&models.User{ID: 1, Username: "ada"}, "tok-a"))
	require.NoError(t, store.AppendLocal(5, "Private", &models.Message{Role: models.RoleUser, Content: "secret"}))
	require.NoError(t, store.ClearAuth())

	_, ok := store.LocalSession(5)
	assert.False(t, ok, "logged-out user's conversation must not stay cached")
	guest, ok := store.LocalSession(GuestSessionID)
	require.True(t, ok)
	require.Len(t, guest.Messages, 1)
	assert.Equal(t, "as guest", guest.Messages[0].Content)

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	_, ok = reopened.LocalSession(5)
	assert.False(t, ok)

	// switching accounts without a logout also starts from a clean cache
	require.NoError(t, store.SetLogin(&models.User{ID: 1, Username: "ada"}, "tok-a"))
	require.NoError(t, store.AppendLocal(6, "Mine", &models.Message{Role: models.RoleUser, Content: "hi"}))
	require.NoError(t, store.SetLogin(&models.User{ID: 1, Username: "ada"}, "tok-a2"))
	_, ok = store.LocalSession(6)
	assert.True(t, ok, "same user logging in again keeps their cache")
	require.NoError(t, store.SetLogin(&models.User{ID: 2, Username: "bob"}, "tok-b"))
	_, ok = store.LocalSession(6)
	assert.False(t, ok)
}

func TestStoreGuestRemainingFloorsAtZero(t *testing.T) {
	store, err := OpenStore("")
	require.NoError(t, err)
	require.NoError(t, store.Update(func(st *State) { st.GuestMessages = GuestMessageLimit + 3 }))
	assert.Equal(t, 0, store.GuestRemaining())
}

func TestOpenStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := OpenStore(path)
	assert.Error(t, err)
}
