package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "RMACHAT_STATE"

// KVBackend stores values in a NATS JetStream key-value bucket, keeping
// conversation state on the broker side.
type KVBackend struct {
	kv jetstream.KeyValue
	nc *nats.Conn
}

// DialKV connects to the NATS server at url and opens bucket, creating it if
// needed. The connection is owned by the backend and closed by Close.
func DialKV(ctx context.Context, url, bucket string, opts ...nats.Option) (*KVBackend, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}

	return &KVBackend{kv: kv, nc: nc}, nil
}

// NewKVBackend wraps an already opened bucket. Close does not touch the
// underlying connection.
func NewKVBackend(kv jetstream.KeyValue) *KVBackend {
	return &KVBackend{kv: kv}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	if name == "" {
		name = DefaultBucket
	}
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "rmachat conversation state",
		History:     1,
	})
}

// Get implements Backend.
func (b *KVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	dir, name := splitKey(key)
	group, _, err := b.getGroup(ctx, dir)
	if err != nil {
		return nil, err
	}
	v, ok := group[name]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// PutAll implements Backend. KV buckets have no multi-key transactions, so
// all keys of one directory (everything before the last '/') share a single
// KV entry. A batch within one directory is therefore applied atomically;
// the conversation store always writes one directory per identity.
func (b *KVBackend) PutAll(ctx context.Context, entries map[string][]byte) error {
	groups := make(map[string]map[string][]byte)
	for k, v := range entries {
		dir, name := splitKey(k)
		if groups[dir] == nil {
			groups[dir] = make(map[string][]byte)
		}
		groups[dir][name] = v
	}
	for _, dir := range slices.Sorted(maps.Keys(groups)) {
		if err := b.putGroup(ctx, dir, groups[dir]); err != nil {
			return err
		}
	}
	return nil
}

func (b *KVBackend) getGroup(ctx context.Context, dir string) (map[string][]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, groupKey(dir))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return map[string][]byte{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", dir, err)
	}
	group := make(map[string][]byte)
	if err := Unmarshal(entry.Value(), &group); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", dir, err)
	}
	return group, entry.Revision(), nil
}

// putGroup merges entries into dir's KV entry. The write is checked against
// the revision it was read at, so a concurrent writer fails instead of being
// overwritten.
func (b *KVBackend) putGroup(ctx context.Context, dir string, entries map[string][]byte) error {
	group, rev, err := b.getGroup(ctx, dir)
	if err != nil {
		return err
	}
	maps.Copy(group, entries)

	data, err := Marshal(group)
	if err != nil {
		return fmt.Errorf("encode %s: %w", dir, err)
	}
	if rev == 0 {
		_, err = b.kv.Create(ctx, groupKey(dir), data)
	} else {
		_, err = b.kv.Update(ctx, groupKey(dir), data, rev)
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", dir, err)
	}
	return nil
}

func splitKey(key string) (dir, name string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// groupKey is the KV key holding dir. kvKey never yields a bare "=", so it
// is free for keys without a directory.
func groupKey(dir string) string {
	if dir == "" {
		return "="
	}
	return kvKey(dir)
}

// Close implements Backend.
func (b *KVBackend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// kvKey maps an arbitrary key onto the KV key alphabet. Bytes outside
// [A-Za-z0-9/_-] are written as =XX.
func kvKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '/', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "=%02X", c)
		}
	}
	return sb.String()
}
