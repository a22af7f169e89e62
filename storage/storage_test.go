package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/rmachat/testutil"
)

// backendContract exercises the behaviour every Backend must share.
func backendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := b.Get(ctx, "nobody/contacts")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put and get batch", func(t *testing.T) {
		err := b.PutAll(ctx, map[string][]byte{
			"alice@example.com/contacts": []byte(`[{"username":"bob"}]`),
			"alice@example.com/unread":   []byte(`{"bob":2}`),
		})
		require.NoError(t, err)

		got, err := b.Get(ctx, "alice@example.com/contacts")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"username":"bob"}]`, string(got))

		got, err = b.Get(ctx, "alice@example.com/unread")
		require.NoError(t, err)
		assert.JSONEq(t, `{"bob":2}`, string(got))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, b.PutAll(ctx, map[string][]byte{"k": []byte("1")}))
		require.NoError(t, b.PutAll(ctx, map[string][]byte{"k": []byte("2")}))

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "2", string(got))
	})
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	backendContract(t, b)

	assert.Contains(t, b.Keys(), "k")

	require.NoError(t, b.Close())
	_, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBackend_CopiesValues(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	v := []byte("abc")
	require.NoError(t, b.PutAll(ctx, map[string][]byte{"k": v}))
	v[0] = 'x'

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestBadgerBackend(t *testing.T) {
	b, err := OpenBadger(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	backendContract(t, b)
}

func TestBadgerBackend_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.PutAll(ctx, map[string][]byte{"alice/history": []byte(`{}`)}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second close is a no-op")

	b, err = OpenBadger(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "alice/history")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestBadgerBackend_InMemory(t *testing.T) {
	b, err := OpenBadger("", nil)
	require.NoError(t, err)
	defer b.Close()

	backendContract(t, b)
}

func TestKVBackend(t *testing.T) {
	srv := testutil.StartNATS(t)

	b, err := DialKV(context.Background(), srv.URL(), "RMACHAT_TEST")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	backendContract(t, b)
}

func TestKVBackend_ReopenBucket(t *testing.T) {
	srv := testutil.StartNATS(t)
	ctx := context.Background()

	b, err := DialKV(ctx, srv.URL(), "")
	require.NoError(t, err)
	require.NoError(t, b.PutAll(ctx, map[string][]byte{"bob/unread": []byte(`{"alice":1}`)}))
	require.NoError(t, b.Close())

	b, err = DialKV(ctx, srv.URL(), DefaultBucket)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "bob/unread")
	require.NoError(t, err)
	assert.JSONEq(t, `{"alice":1}`, string(got))
}

func TestKVBackend_DirectoryIsOneEntry(t *testing.T) {
	srv := testutil.StartNATS(t)
	ctx := context.Background()

	b, err := DialKV(ctx, srv.URL(), "RMACHAT_TEST")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.PutAll(ctx, map[string][]byte{
		"rmachat/alice/contacts": []byte(`[]`),
		"rmachat/alice/history":  []byte(`{}`),
		"rmachat/alice/unread":   []byte(`{}`),
	}))
	require.NoError(t, b.PutAll(ctx, map[string][]byte{
		"rmachat/alice/unread": []byte(`{"bob":1}`),
		"rmachat/bob/unread":   []byte(`{}`),
		"top":                  []byte(`1`),
	}))

	keys, err := b.kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rmachat/alice", "rmachat/bob", "="}, keys)

	// Untouched keys of a directory survive a partial batch.
	got, err := b.Get(ctx, "rmachat/alice/history")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))
	got, err = b.Get(ctx, "rmachat/alice/unread")
	require.NoError(t, err)
	assert.Equal(t, `{"bob":1}`, string(got))
	got, err = b.Get(ctx, "top")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(got))

	_, err = b.Get(ctx, "rmachat/bob/contacts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVBackend_RejectsStaleWrite(t *testing.T) {
	srv := testutil.StartNATS(t)
	ctx := context.Background()

	b, err := DialKV(ctx, srv.URL(), "RMACHAT_TEST")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.PutAll(ctx, map[string][]byte{"alice/unread": []byte(`{}`)}))
	_, rev, err := b.getGroup(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, b.PutAll(ctx, map[string][]byte{"alice/unread": []byte(`{"bob":1}`)}))

	_, err = b.kv.Update(ctx, groupKey("alice"), []byte(`{}`), rev)
	assert.Error(t, err)
}

func TestKVKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice/contacts", "alice/contacts"},
		{"a.b@x.io/history", "a=2Eb=40x=2Eio/history"},
		{"Bob_1-2/unread", "Bob_1-2/unread"},
		{"with space", "with=20space"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, kvKey(tt.in))
		})
	}
}

func TestCodec(t *testing.T) {
	type record struct {
		Name  string         `json:"name"`
		Count map[string]int `json:"count"`
	}

	data, err := Marshal(record{Name: "bob", Count: map[string]int{"x": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"bob","count":{"x":1}}`, string(data))

	var got record
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, "bob", got.Name)
	assert.Equal(t, 1, got.Count["x"])
}
