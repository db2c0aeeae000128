// Package redisstore keeps each collection in a Redis hash whose fields are
// normalized identifiers and whose values are JSON documents. Batches run
// as optimistic WATCH/MULTI transactions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/redis/go-redis/v9"
)

const maxRetries = 5

// ErrConflict is returned when a batch keeps losing optimistic races
var ErrConflict = errors.New("concurrent modification")

// Config holds Redis connection settings
type Config struct {
	// Addr is the Redis server address (host:port)
	Addr string
	// Password is the Redis password (optional)
	Password string
	// DB is the Redis database number
	DB int
	// Prefix namespaces every key written by the store
	Prefix string
}

// DefaultConfig returns a default Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "odm",
	}
}

// Store is a DocumentStorage backed by Redis hashes
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to Redis and verifies the connection
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient creates a store over an existing client
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Client returns the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close implements storage.Closer
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(coll string) string {
	if s.prefix == "" {
		return coll
	}
	return s.prefix + ":" + coll
}

func (s *Store) sequenceKey(name string) string {
	return s.key("seq:" + name)
}

// Find implements storage.DocumentStorage
func (s *Store) Find(ctx context.Context, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	docs, err := s.load(ctx, s.client, coll, filter)
	if err != nil {
		return nil, err
	}
	return storage.NewSliceCursor(storage.Select(docs, filter, opts)), nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context, coll string, filter storage.Filter) (int, error) {
	if len(filter) == 0 {
		n, err := s.client.HLen(ctx, s.key(coll)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", coll, err)
		}
		return int(n), nil
	}
	docs, err := s.load(ctx, s.client, coll, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if storage.Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

// load reads candidate documents, fetching single fields for identifier
// lookups
func (s *Store) load(ctx context.Context, c redis.Cmdable, coll string, filter storage.Filter) ([]document.Raw, error) {
	if id, ok := filter[document.KeyID]; ok && id != nil {
		if _, isOps := id.(map[string]any); !isOps {
			body, err := c.HGet(ctx, s.key(coll), storage.NormalizeID(id)).Result()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", coll, err)
			}
			doc, err := decode(body)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s document: %w", coll, err)
			}
			return []document.Raw{doc}, nil
		}
	}

	all, err := c.HGetAll(ctx, s.key(coll)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", coll, err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	docs := make([]document.Raw, 0, len(keys))
	for _, k := range keys {
		doc, err := decode(all[k])
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", coll, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// watch runs fn in an optimistic transaction on the collection hash,
// retrying when another client modified it concurrently
func (s *Store) watch(ctx context.Context, coll string, fn func(tx *redis.Tx) ([]storage.Result, error)) ([]storage.Result, error) {
	var results []storage.Result
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			results, err = fn(tx)
			return err
		}, s.key(coll))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return results, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, coll)
}

// Insert implements storage.DocumentStorage
func (s *Store) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	key := s.key(coll)
	return s.watch(ctx, coll, func(tx *redis.Tx) ([]storage.Result, error) {
		ids := make([]any, len(docs))
		fields := make([]string, len(docs))
		bodies := make([]string, len(docs))
		seen := make(map[string]bool, len(docs))
		for i, doc := range docs {
			row := storage.CloneRaw(doc)
			if row == nil {
				row = document.Raw{}
			}
			id, ok := row[document.KeyID]
			if !ok || id == nil {
				id = storage.NewID()
				row[document.KeyID] = id
			}
			ids[i] = id
			fields[i] = storage.NormalizeID(id)

			exists, err := tx.HExists(ctx, key, fields[i]).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", coll, err)
			}
			if exists || seen[fields[i]] {
				return storage.AbortBatch(ids, i, fmt.Errorf("%w: %s %v", storage.ErrDuplicateKey, coll, id)), nil
			}
			seen[fields[i]] = true

			body, err := json.Marshal(row)
			if err != nil {
				return storage.AbortBatch(ids, i, fmt.Errorf("failed to encode document: %w", err)), nil
			}
			bodies[i] = string(body)
		}

		if len(docs) > 0 {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i := range fields {
					pipe.HSet(ctx, key, fields[i], bodies[i])
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		results := make([]storage.Result, len(docs))
		for i, id := range ids {
			results[i] = storage.Result{ID: id}
		}
		return results, nil
	})
}

// Update implements storage.DocumentStorage
func (s *Store) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	key := s.key(coll)
	return s.watch(ctx, coll, func(tx *redis.Tx) ([]storage.Result, error) {
		ids := make([]any, len(updates))
		for i, u := range updates {
			ids[i] = u.ID
		}

		staged := make(map[string]document.Raw, len(updates))
		var order []string
		for i, u := range updates {
			field := storage.NormalizeID(u.ID)
			doc, ok := staged[field]
			if !ok {
				body, err := tx.HGet(ctx, key, field).Result()
				if errors.Is(err, redis.Nil) {
					return storage.AbortBatch(ids, i, fmt.Errorf("%w: %s %v", storage.ErrNotFound, coll, u.ID)), nil
				}
				if err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", coll, err)
				}
				if doc, err = decode(body); err != nil {
					return storage.AbortBatch(ids, i, fmt.Errorf("failed to decode document: %w", err)), nil
				}
				order = append(order, field)
			}
			if err := storage.Apply(doc, u); err != nil {
				return storage.AbortBatch(ids, i, err), nil
			}
			staged[field] = doc
		}

		encoded := make(map[string]string, len(staged))
		for field, doc := range staged {
			body, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("failed to encode document: %w", err)
			}
			encoded[field] = string(body)
		}
		if len(order) > 0 {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, field := range order {
					pipe.HSet(ctx, key, field, encoded[field])
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		results := make([]storage.Result, len(updates))
		for i, id := range ids {
			results[i] = storage.Result{ID: id}
		}
		return results, nil
	})
}

// Delete implements storage.DocumentStorage
func (s *Store) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	results := make([]storage.Result, len(ids))
	if len(ids) == 0 {
		return results, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = storage.NormalizeID(id)
		results[i] = storage.Result{ID: id}
	}
	if err := s.client.HDel(ctx, s.key(coll), fields...).Err(); err != nil {
		return storage.AbortBatch(ids, 0, fmt.Errorf("failed to delete from %s: %w", coll, err)), nil
	}
	return results, nil
}

// NextSequence implements storage.Sequencer
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	n, err := s.client.Incr(ctx, s.sequenceKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", name, err)
	}
	return n, nil
}

func decode(body string) (document.Raw, error) {
	var doc document.Raw
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
