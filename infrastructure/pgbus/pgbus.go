// Package pgbus is a PostgreSQL NOTIFY/LISTEN message transport. It backs
// the event publisher in deployments that run on Postgres alone; a Kafka
// transport satisfies the same Broker contract where per-partition
// durability is required.
package pgbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Envelope frames one published message on the wire. Key carries the
// aggregate id so subscribers can re-partition; NOTIFY itself delivers in
// commit order per connection, which preserves the per-key publish order
// the engine guarantees upstream.
type Envelope struct {
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler consumes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Bus publishes via pg_notify and dispatches LISTEN notifications to
// subscribed handlers.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener

	mu       sync.RWMutex
	handlers map[string][]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens its own connection for publishing and a pq.Listener for
// subscriptions.
func New(dsn string) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgbus: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgbus: ping: %w", err)
	}
	return NewWithDB(db, dsn)
}

// NewWithDB reuses an existing pool for publishing; the listener still
// needs the dsn for its dedicated connection.
func NewWithDB(db *sql.DB, dsn string) (*Bus, error) {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		handlers: make(map[string][]Handler),
		cancel:   cancel,
	}
	b.wg.Add(1)
	go b.listen(ctx)
	return b, nil
}

// Publish implements the event publisher's Broker contract: the payload is
// already serialized by the caller.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	env, err := json.Marshal(Envelope{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pgbus: marshal envelope: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, string(env)); err != nil {
		return fmt.Errorf("pgbus: notify %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic, issuing LISTEN on first use.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handlers[topic]) == 0 {
		if err := b.listener.Listen(topic); err != nil {
			return fmt.Errorf("pgbus: listen %s: %w", topic, err)
		}
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close stops the dispatch loop and the listener connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.listener.Notify:
			if n == nil {
				// Connection dropped; pq reconnects and re-issues LISTEN.
				continue
			}
			b.dispatch(ctx, n)
		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, n *pq.Notification) {
	var env Envelope
	if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
		env = Envelope{Topic: n.Channel, Payload: json.RawMessage(n.Extra), Timestamp: time.Now().UTC()}
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[n.Channel]))
	copy(handlers, b.handlers[n.Channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := h(hctx, env); err != nil {
			fmt.Printf("pgbus: handler error on %s: %v\n", n.Channel, err)
		}
		cancel()
	}
}
