package taskwire

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSChannel is a completion channel backed by a NATS subject, for
// deployments that already run a NATS fabric. The store stays the source of
// truth; NATS only carries the wakeup hint.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	owned   bool // whether Close should close the connection
}

// NewNATSChannel connects to the given NATS URL. An empty url uses the
// NATS default.
func NewNATSChannel(url, namespace string, opts ...nats.Option) (*NATSChannel, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	ch := NewNATSChannelFromConn(conn, namespace)
	ch.owned = true
	return ch, nil
}

// NewNATSChannelFromConn wraps an existing connection. The caller keeps
// ownership of the connection.
func NewNATSChannelFromConn(conn *nats.Conn, namespace string) *NATSChannel {
	subject := completionTopic
	if namespace != "" {
		subject = namespace + "." + completionTopic
	}
	return &NATSChannel{
		conn:    conn,
		subject: subject,
	}
}

func (n *NATSChannel) Publish(ctx context.Context, taskID string) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	return n.conn.Publish(n.subject, []byte(taskID))
}

func (n *NATSChannel) Subscribe(handler func(taskID string)) (Subscription, error) {
	if n.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		handler(string(m.Data))
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

// Close closes the underlying connection if this channel opened it.
func (n *NATSChannel) Close() error {
	if n.owned {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
