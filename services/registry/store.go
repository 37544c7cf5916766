package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"relayring/pkg/proto"
)

// Store persists the relay record table across restarts. The registry is
// the only writer; stores never interpret trust semantics.
type Store interface {
	Save(records map[string]proto.RelayRecord) error
	Load() (map[string]proto.RelayRecord, error)
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(records map[string]proto.RelayRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}

func (f *FileStore) Load() (map[string]proto.RelayRecord, error) {
	out := make(map[string]proto.RelayRecord)
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RedisStore keeps one JSON value per relay plus an id index set, so several
// node replicas can share one record table.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ring"
	}
	return &RedisStore{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":relays"
}

func (r *RedisStore) recordKey(id string) string {
	return r.prefix + ":relay:" + id
}

func (r *RedisStore) Save(records map[string]proto.RelayRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	existing, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := r.client.TxPipeline()
	for id, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.recordKey(id), data, 0)
		pipe.SAdd(ctx, r.indexKey(), id)
	}
	for _, id := range existing {
		if _, ok := records[id]; !ok {
			pipe.Del(ctx, r.recordKey(id))
			pipe.SRem(ctx, r.indexKey(), id)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Load() (map[string]proto.RelayRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	out := make(map[string]proto.RelayRecord)
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return out, nil
		}
		return nil, err
	}
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec proto.RelayRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}
