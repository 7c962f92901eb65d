// Package queue provides a durable FIFO holding area for requests that
// could not be delivered. Items are replayed at-least-once on flush;
// callers are expected to queue only idempotent methods. Storage is
// pluggable: an in-memory store for ephemeral use and a SQLite store
// that survives restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Item is one deferred request. ID is the only key used for removal;
// ordering is by insertion.
type Item struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence contract: key-ordered append/list/remove.
// List returns items in insertion order. Implementations must be safe
// for concurrent use.
type Store interface {
	Append(item Item) error
	List() ([]Item, error)
	Remove(id string) error
	Len() (int, error)
}

// Config configures a Queue.
type Config struct {
	// Store holds the queued items. Defaults to an in-memory store.
	Store Store

	// MaxSize bounds the queue; 0 means unbounded. At capacity the
	// oldest item is evicted to admit the new one — the newest item is
	// never the one dropped.
	MaxSize int

	// OnEnqueue is invoked after each successful enqueue. Optional.
	OnEnqueue func(Item)

	// OnlineCheck reports current connectivity. Nil fails open: the
	// queue only reports offline on an explicit signal.
	OnlineCheck func() bool

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Queue defers requests for later replay. The store is the single
// source of truth for queued items; the queue holds no cache.
type Queue struct {
	store       Store
	maxSize     int
	onEnqueue   func(Item)
	onlineCheck func() bool
	logger      *slog.Logger
}

// New creates a queue for the given config.
func New(cfg Config) *Queue {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       store,
		maxSize:     cfg.MaxSize,
		onEnqueue:   cfg.OnEnqueue,
		onlineCheck: cfg.OnlineCheck,
		logger:      logger,
	}
}

// Enqueue appends a deferred request. When the queue is at capacity the
// oldest items are evicted first so the new item always fits.
func (q *Queue) Enqueue(method string, params any) (Item, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Item{}, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	if q.maxSize > 0 {
		if err := q.evictToFit(); err != nil {
			return Item{}, err
		}
	}

	item := Item{
		ID:        uuid.NewString(),
		Method:    method,
		Params:    raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Append(item); err != nil {
		return Item{}, fmt.Errorf("append to queue store: %w", err)
	}

	q.logger.Debug("request queued", "method", method, "id", item.ID)
	if q.onEnqueue != nil {
		q.onEnqueue(item)
	}
	return item, nil
}

// evictToFit drops oldest items until one slot is free.
func (q *Queue) evictToFit() error {
	n, err := q.store.Len()
	if err != nil {
		return fmt.Errorf("queue store length: %w", err)
	}
	for ; n >= q.maxSize; n-- {
		items, err := q.store.List()
		if err != nil {
			return fmt.Errorf("list queue store: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		oldest := items[0]
		if err := q.store.Remove(oldest.ID); err != nil {
			return fmt.Errorf("evict oldest item: %w", err)
		}
		q.logger.Warn("queue full, evicted oldest item",
			"method", oldest.Method,
			"id", oldest.ID,
			"max_size", q.maxSize,
		)
	}
	return nil
}

// Sender delivers one queued item. A nil return removes the item from
// the queue.
type Sender func(ctx context.Context, item Item) error

// Flush replays queued items in FIFO order. Each item is removed only
// after its sender succeeds. The first failure aborts the pass —
// sequential delivery preserves method-call ordering — leaving the
// failed item and everything after it queued for a future flush.
// Returns the number of items sent.
func (q *Queue) Flush(ctx context.Context, send Sender) (int, error) {
	items, err := q.store.List()
	if err != nil {
		return 0, fmt.Errorf("list queue store: %w", err)
	}

	sent := 0
	for _, item := range items {
		if err := send(ctx, item); err != nil {
			return sent, fmt.Errorf("flush %s (item %s): %w", item.Method, item.ID, err)
		}
		if err := q.store.Remove(item.ID); err != nil {
			return sent, fmt.Errorf("remove flushed item %s: %w", item.ID, err)
		}
		sent++
	}

	if sent > 0 {
		q.logger.Info("flushed queued requests", "count", sent)
	}
	return sent, nil
}

// Online reports current connectivity. With no check configured it
// returns true — queueing kicks in only on explicit connectivity loss
// or request failure.
func (q *Queue) Online() bool {
	if q.onlineCheck == nil {
		return true
	}
	return q.onlineCheck()
}

// Len returns the number of queued items.
func (q *Queue) Len() (int, error) {
	return q.store.Len()
}
