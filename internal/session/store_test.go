package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := OpenStore(path, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openTestStore(t, time.Hour)

	sess, err := s.Create("example.com", "user-1", "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "example.com", sess.Domain)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
}

func TestStore_Get_MissingReturnsFalse(t *testing.T) {
	s := openTestStore(t, time.Hour)
	_, ok := s.Get("does-not-exist")
	assert.False(t, ok)
}

func TestStore_Get_ExpiredIsDeleted(t *testing.T) {
	s := openTestStore(t, time.Millisecond)
	sess, err := s.Create("example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)

	_, ok = s.Get(sess.ID)
	assert.False(t, ok)
}

func TestStore_Get_SlidesExpiry(t *testing.T) {
	s := openTestStore(t, 50*time.Millisecond)
	sess, err := s.Create("example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)
	firstExpiry := sess.ExpiresAt

	time.Sleep(20 * time.Millisecond)
	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.True(t, got.ExpiresAt.After(firstExpiry))
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t, time.Hour)
	sess, err := s.Create("example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)

	require.NoError(t, s.Delete(sess.ID))
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
}

func TestStore_DeleteAllForUser(t *testing.T) {
	s := openTestStore(t, time.Hour)
	a, err := s.Create("example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)
	b, err := s.Create("example.com", "user-1", "5.6.7.8", "ua2")
	require.NoError(t, err)
	other, err := s.Create("example.com", "user-2", "9.9.9.9", "ua3")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllForUser("example.com", "user-1"))

	_, ok := s.Get(a.ID)
	assert.False(t, ok)
	_, ok = s.Get(b.ID)
	assert.False(t, ok)
	_, ok = s.Get(other.ID)
	assert.True(t, ok)
}

func TestStore_DeleteAllForUser_DomainScoped(t *testing.T) {
	s := openTestStore(t, time.Hour)
	onA, err := s.Create("a.example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)
	onB, err := s.Create("b.example.com", "user-1", "1.2.3.4", "ua")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllForUser("a.example.com", "user-1"))

	_, ok := s.Get(onA.ID)
	assert.False(t, ok)
	_, ok = s.Get(onB.ID)
	assert.True(t, ok)
}
