package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriendStore(t *testing.T) {
	s := NewFriendStore()
	s.SetFriends([]User{
		{ID: "c", Username: "carol"},
		{ID: "b", Username: "bob"},
		{ID: "", Username: "ghost"},
	})
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("b"))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "bob", snap[0].Username)

	name, ok := s.DisplayName("c")
	assert.True(t, ok)
	assert.Equal(t, "carol", name)

	s.Add(User{ID: "d"})
	_, ok = s.DisplayName("d")
	assert.False(t, ok, "no username cached")
}

func TestFriendStoreRemoveNotifies(t *testing.T) {
	s := NewFriendStore()
	s.SetFriends([]User{{ID: "b", Username: "bob"}})

	var removed []string
	unregister := s.OnRemoved(func(id string) { removed = append(removed, id) })

	assert.True(t, s.Remove("b"))
	assert.False(t, s.Remove("b"))
	assert.Equal(t, []string{"b"}, removed)

	unregister()
	s.Add(User{ID: "c"})
	s.Remove("c")
	assert.Equal(t, []string{"b"}, removed)
}

func TestFriendStoreReset(t *testing.T) {
	s := NewFriendStore()
	s.Add(User{ID: "b", Username: "bob"})
	s.Reset()
	assert.Zero(t, s.Len())
	_, ok := s.Get("b")
	assert.False(t, ok)
}
