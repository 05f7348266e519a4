package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStorePutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	key := DocumentKey(uuid.New(), "paper.pdf")
	require.NoError(t, s.Put(ctx, key, strings.NewReader("content"), 7))

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content", string(b))
}

func TestFSStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	key := DocumentKey(uuid.New(), "a.txt")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Put(ctx, key, bytes.NewReader([]byte("x")), 1)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrExists)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFSStoreSizeMismatch(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	key := DocumentKey(uuid.New(), "a.txt")
	require.Error(t, s.Put(context.Background(), key, strings.NewReader("abc"), 10))

	_, err = s.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)

	k1 := DocumentKey(uuid.New(), "one.txt")
	k2 := DocumentKey(uuid.New(), "two.txt")
	require.NoError(t, s.Put(ctx, k1, strings.NewReader("1"), 1))
	require.NoError(t, s.Put(ctx, k2, strings.NewReader("22"), 2))

	objs, err := s.List(ctx, DocumentPrefix)
	require.NoError(t, err)
	keys := []string{}
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.ElementsMatch(t, []string{k1, k2}, keys)

	require.NoError(t, s.Delete(ctx, k1))
	require.NoError(t, s.Delete(ctx, k1), "deleting twice is fine")
	_, err = s.Get(ctx, k1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "../outside", strings.NewReader("x"), 1))
}

func TestDocumentKey(t *testing.T) {
	id := uuid.MustParse("3f1d7f2e-8a8b-4c59-9a39-2d2b8e4b9f10")
	assert.Equal(t, "documents/"+id.String()+"/my_paper_v2.pdf", DocumentKey(id, "../my paper v2.pdf"))
	assert.Equal(t, "documents/"+id.String()+"/upload", DocumentKey(id, ".."))

	got, err := DocumentIDFromKey(DocumentKey(id, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = DocumentIDFromKey("other/x")
	assert.Error(t, err)
}
