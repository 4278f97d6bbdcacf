package cleaner

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler removes the state derived from a batch of evicted identifiers.
// Clean must be idempotent and tolerate identifiers that no longer exist.
type Handler interface {
	Clean(ctx context.Context, ids []string) error
	// OnRegistered is called once when the handler is handed to a Cleaner.
	OnRegistered()
}

// ZRemover removes members from a sorted set.
type ZRemover interface {
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
}

// Deleter deletes keys.
type Deleter interface {
	Del(ctx context.Context, keys ...string) (int64, error)
}

// HashDeleter deletes hash fields.
type HashDeleter interface {
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
}

// ZSetHandler removes the evicted identifiers from the sorted set Key. Use
// it on the candidate set itself to make the daemon shrink it.
type ZSetHandler struct {
	Store ZRemover
	Key   string
}

func (h ZSetHandler) Clean(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := h.Store.ZRem(ctx, h.Key, ids...)
	return err
}

func (h ZSetHandler) OnRegistered() { logRegistered(h) }

func (h ZSetHandler) String() string { return "zset:" + h.Key }

// KeyHandler deletes Prefix+id for every evicted identifier.
type KeyHandler struct {
	Store  Deleter
	Prefix string
}

func (h KeyHandler) Clean(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = h.Prefix + id
	}
	_, err := h.Store.Del(ctx, keys...)
	return err
}

func (h KeyHandler) OnRegistered() { logRegistered(h) }

func (h KeyHandler) String() string { return "keys:" + h.Prefix + "*" }

// HashFieldHandler deletes the fields named by the evicted identifiers from
// the hash Key.
type HashFieldHandler struct {
	Store HashDeleter
	Key   string
}

func (h HashFieldHandler) Clean(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := h.Store.HDel(ctx, h.Key, ids...)
	return err
}

func (h HashFieldHandler) OnRegistered() { logRegistered(h) }

func (h HashFieldHandler) String() string { return "hash:" + h.Key }

// HandlerFunc adapts a function into a named Handler.
func HandlerFunc(name string, fn func(ctx context.Context, ids []string) error) Handler {
	return funcHandler{name: name, fn: fn}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, ids []string) error
}

func (h funcHandler) Clean(ctx context.Context, ids []string) error { return h.fn(ctx, ids) }

func (h funcHandler) OnRegistered() { logRegistered(h) }

func (h funcHandler) String() string { return h.name }

func logRegistered(h Handler) {
	slog.Info("warp: cleaner handler registered", "handler", handlerName(h))
}

func handlerName(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}
