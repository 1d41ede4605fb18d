package taskwire

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

const defaultRedisServer = ":6379"

// RedisStore holds task records and the ready-queue in Redis. Records are
// stored as JSON under <ns>:task:<id>, record ids in the set <ns>:task:ids,
// and the ready-queue is the list <ns>:queue.
type RedisStore struct {
	pool *redis.Pool
	ns   string
}

func NewRedisStore(server, namespace, password string, db int) *RedisStore {
	return NewRedisStoreFromPool(namespace, NewRedisPool(server, password, db))
}

func NewRedisStoreFromPool(namespace string, pool *redis.Pool) *RedisStore {
	return &RedisStore{
		ns:   namespace,
		pool: pool,
	}
}

// NewRedisPool creates a new Redis pool with sane defaults. The pool can be
// shared between a RedisStore and a RedisChannel.
func NewRedisPool(server, password string, db int) *redis.Pool {
	if server == "" {
		server = defaultRedisServer
	}
	return &redis.Pool{
		MaxIdle:     5, // pool size
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", server)
			if err != nil {
				return nil, err
			}
			if password != "" {
				if _, err := c.Do("AUTH", password); err != nil {
					c.Close()
					return nil, err
				}
			}
			if _, err := c.Do("SELECT", db); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

func (r *RedisStore) key(keys ...string) string {
	if r.ns == "" {
		return strings.Join(keys, ":")
	}
	return strings.Join([]string{r.ns, strings.Join(keys, ":")}, ":")
}

// storeError wraps a transport failure so that callers can test for
// ErrStoreUnavailable with errors.Is.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}

func (r *RedisStore) conn(ctx context.Context) (redis.Conn, error) {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, storeError("connect", err)
	}
	return c, nil
}

func (r *RedisStore) CreateOrUpdate(ctx context.Context, task *Task) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	c.Send("MULTI")
	c.Send("SET", r.key("task", task.ID), data)
	c.Send("SADD", r.key("task", "ids"), task.ID)
	if _, err := c.Do("EXEC"); err != nil {
		c.Do("DISCARD")
		return storeError("upsert", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := redis.Bytes(c.Do("GET", r.key("task", id)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	task := new(Task)
	if err := json.Unmarshal(data, task); err != nil {
		return nil, errors.Wrapf(err, "decode task %s", id)
	}
	return task, nil
}

func (r *RedisStore) Filter(ctx context.Context, f Filter) ([]*Task, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ids := f.IDs
	if len(ids) == 0 {
		ids, err = redis.Strings(c.Do("SMEMBERS", r.key("task", "ids")))
		if err != nil {
			return nil, storeError("filter", err)
		}
	}
	matches := make([]*Task, 0)
	if len(ids) == 0 {
		return matches, nil
	}
	keys := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = r.key("task", id)
	}
	values, err := redis.Values(c.Do("MGET", keys...))
	if err != nil {
		return nil, storeError("filter", err)
	}
	for _, v := range values {
		data, ok := v.([]byte)
		if !ok {
			// Absent record, e.g. an id from the filter that was
			// never created or was deleted concurrently.
			continue
		}
		task := new(Task)
		if err := json.Unmarshal(data, task); err != nil {
			return nil, errors.Wrap(err, "decode task")
		}
		if f.Match(task) {
			matches = append(matches, task)
		}
	}
	return matches, nil
}

func (r *RedisStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	c.Send("MULTI")
	for _, id := range ids {
		c.Send("DEL", r.key("task", id))
		c.Send("SREM", r.key("task", "ids"), id)
	}
	replies, err := redis.Ints(c.Do("EXEC"))
	if err != nil {
		c.Do("DISCARD")
		return 0, storeError("delete", err)
	}
	deleted := 0
	for i := 0; i < len(replies); i += 2 {
		deleted += replies[i]
	}
	return deleted, nil
}

func (r *RedisStore) QueuePushBack(ctx context.Context, id string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("RPUSH", r.key("queue"), id); err != nil {
		return storeError("push", err)
	}
	return nil
}

func (r *RedisStore) QueueBlockingPopFront(ctx context.Context, timeout time.Duration) (string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if timeout <= 0 {
		// Poll once, do not block.
		id, err := redis.String(c.Do("LPOP", r.key("queue")))
		if err == redis.ErrNil {
			return "", nil
		}
		if err != nil {
			return "", storeError("pop", err)
		}
		return id, nil
	}

	// BLPOP takes whole seconds; round up so short timeouts still block.
	secs := int(timeout / time.Second)
	if timeout%time.Second != 0 || secs == 0 {
		secs++
	}
	reply, err := redis.Strings(c.Do("BLPOP", r.key("queue"), secs))
	if err == redis.ErrNil {
		// Timed out. Not an error.
		return "", nil
	}
	if err != nil {
		return "", storeError("pop", err)
	}
	if len(reply) != 2 {
		return "", nil
	}
	return reply[1], nil
}

func (r *RedisStore) QueueLen(ctx context.Context) (int, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("LLEN", r.key("queue")))
	if err != nil {
		return 0, storeError("len", err)
	}
	return n, nil
}
