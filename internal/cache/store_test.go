package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string, ramMax int64) *Store {
	t.Helper()
	s, err := OpenStore(dir, ramMax, 1<<30, nil)
	require.NoError(t, err)
	return s
}

func TestStore_PutGetInvalidatePath(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Close()
	ctx := context.Background()

	s.Put("/a", Entry{Status: 200, Body: []byte("a")})
	ent, ok := s.Get("/a")
	require.True(t, ok)
	assert.Equal(t, "a", string(ent.Body))

	require.NoError(t, s.InvalidatePath(ctx, "/a"))
	_, ok = s.Get("/a")
	assert.False(t, ok)
	assert.False(t, s.Has("/a"))

	// Invalidating a missing key is a no-op.
	require.NoError(t, s.InvalidatePath(ctx, "/a"))
}

func TestStore_InvalidateTagOnlyTouchesTaggedKeys(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 1<<20)
	defer s.Close()

	s.Put("/", Entry{Status: 200, Tags: []string{"homepage", "workshops"}})
	s.Put("/workshops", Entry{Status: 200, Tags: []string{"workshops"}})
	s.Put("/blog", Entry{Status: 200, Tags: []string{"blog"}})

	require.NoError(t, s.InvalidateTag(context.Background(), "workshops"))

	assert.Equal(t, []string{"/blog"}, s.Keys())
	assert.Equal(t, 1, s.Count())
}

func TestStore_TagIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, 1<<20)
	s.Put("/p1", Entry{Status: 200, Body: []byte("x"), Tags: []string{"sprint"}})
	s.Put("/p2", Entry{Status: 200, Body: []byte("y")})
	s.Close()

	s = openTestStore(t, dir, 1<<20)
	defer s.Close()
	assert.Equal(t, []string{"/p1", "/p2"}, s.Keys())

	require.NoError(t, s.InvalidateTag(context.Background(), "sprint"))
	assert.Equal(t, []string{"/p2"}, s.Keys())
}

func TestStore_RAMOverflowSpillsToDisk(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 2048)
	defer s.Close()

	body := make([]byte, 600)
	for i := 0; i < 10; i++ {
		s.Put(fmt.Sprintf("/k%d", i), Entry{Status: 200, Body: body})
	}
	s.disk.Flush()

	assert.LessOrEqual(t, s.RAMBytes(), int64(2048))
	for i := 0; i < 10; i++ {
		_, ok := s.Get(fmt.Sprintf("/k%d", i))
		assert.True(t, ok, "key %d", i)
	}
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseTags("a, b", "", "b,c ,", " a"))
	assert.Nil(t, parseTags())
}
