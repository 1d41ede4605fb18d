package taskwire

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisChannel is the default completion channel, backed by Redis pub/sub
// on the topic <ns>:task_done. It can share a pool with a RedisStore.
type RedisChannel struct {
	pool   *redis.Pool
	ns     string
	logger Logger
}

func NewRedisChannel(server, namespace, password string, db int) *RedisChannel {
	return NewRedisChannelFromPool(namespace, NewRedisPool(server, password, db))
}

func NewRedisChannelFromPool(namespace string, pool *redis.Pool) *RedisChannel {
	return &RedisChannel{
		pool:   pool,
		ns:     namespace,
		logger: newDefaultLogger(),
	}
}

func (r *RedisChannel) topic() string {
	if r.ns == "" {
		return completionTopic
	}
	return strings.Join([]string{r.ns, completionTopic}, ":")
}

func (r *RedisChannel) Publish(ctx context.Context, taskID string) error {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return storeError("connect", err)
	}
	defer c.Close()

	if _, err := c.Do("PUBLISH", r.topic(), taskID); err != nil {
		return storeError("publish", err)
	}
	return nil
}

// Subscribe connects and subscribes before returning, so a publish issued
// right after Subscribe is not lost, then keeps a receive loop running.
// Transient connection errors redial; one bad message or one dead connection
// must not end the subscription for the backend's lifetime.
func (r *RedisChannel) Subscribe(handler func(taskID string)) (Subscription, error) {
	sub := &redisSubscription{}
	psc, err := r.connect(sub)
	if err != nil {
		return nil, err
	}
	go func() {
		current := psc
		for {
			if err := r.receive(current, handler); err != nil && !sub.closed() {
				r.logger.Printf("taskwire: completion subscription error: %v", err)
			}
			for {
				if sub.closed() {
					return
				}
				time.Sleep(time.Second)
				c, err := r.connect(sub)
				if err == nil {
					current = c
					break
				}
				r.logger.Printf("taskwire: completion subscription redial: %v", err)
			}
		}
	}()
	return sub, nil
}

func (r *RedisChannel) connect(sub *redisSubscription) (*redis.PubSubConn, error) {
	c := r.pool.Get()
	if err := c.Err(); err != nil {
		c.Close()
		return nil, storeError("connect", err)
	}
	psc := &redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(r.topic()); err != nil {
		c.Close()
		return nil, storeError("subscribe", err)
	}
	sub.setConn(psc)
	return psc, nil
}

func (r *RedisChannel) receive(psc *redis.PubSubConn, handler func(taskID string)) error {
	defer psc.Conn.Close()
	for {
		switch n := psc.Receive().(type) {
		case redis.Message:
			handler(string(n.Data))
		case redis.Subscription:
			if n.Count == 0 {
				// Unsubscribed.
				return nil
			}
		case error:
			return n
		}
	}
}

type redisSubscription struct {
	done atomic.Bool
	conn atomic.Pointer[redis.PubSubConn]
}

func (s *redisSubscription) closed() bool {
	return s.done.Load()
}

func (s *redisSubscription) setConn(psc *redis.PubSubConn) {
	s.conn.Store(psc)
	if s.done.Load() {
		psc.Unsubscribe()
	}
}

func (s *redisSubscription) Unsubscribe() error {
	if s.done.Swap(true) {
		return nil
	}
	if psc := s.conn.Load(); psc != nil {
		return psc.Unsubscribe()
	}
	return nil
}
