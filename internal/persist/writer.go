// ABOUTME: Asynchronous message persistence off the live delivery path
// ABOUTME: A bounded queue drained by a worker pool; failures are logged and counted, never retried

// Package persist writes delivered messages to the store in the background.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/17anirudh/quirks/internal/store"
)

// ErrQueueFull is logged when a message cannot be queued for persistence.
var ErrQueueFull = errors.New("persistence queue full")

// ErrClosed is logged when a message arrives after the writer stopped accepting.
var ErrClosed = errors.New("persistence writer closed")

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 4
	DefaultTimeout   = 5 * time.Second
)

// MessageSaver is the storage the writer persists into.
type MessageSaver interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Options tunes the writer. Zero values select the defaults.
type Options struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration // per write
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Writer persists messages in the background. Enqueue never blocks the
// caller; a message that reaches subscribers but fails here is absent from
// later history loads.
type Writer struct {
	saver  MessageSaver
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan *store.Message
	stop   chan struct{}

	started atomic.Bool
	done    chan struct{}

	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWriter creates a writer. Call Run to start the workers. Pass nil logger for default.
func NewWriter(saver MessageSaver, opts Options, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Writer{
		saver:  saver,
		opts:   opts,
		logger: logger.With("component", "persist"),
		queue:  make(chan *store.Message, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue hands msg to the workers and reports whether it was accepted.
func (w *Writer) Enqueue(msg *store.Message) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.drop(msg, ErrClosed)
		return false
	}
	select {
	case w.queue <- msg:
		return true
	default:
		w.drop(msg, ErrQueueFull)
		return false
	}
}

func (w *Writer) drop(msg *store.Message, reason error) {
	w.dropped.Add(1)
	w.logger.Error("message not persisted",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.SenderHandle,
		"error", reason)
}

// Run starts the workers and blocks until the queue is closed and drained.
// Cancelling ctx stops intake; messages already queued are still written,
// each bounded by the per-write timeout. Run must be called at most once.
func (w *Writer) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("persist writer already running")
	}
	defer close(w.done)

	writeCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-ctx.Done():
			w.closeQueue()
		case <-w.stop:
		}
		return nil
	})
	for range w.opts.Workers {
		g.Go(func() error {
			for msg := range w.queue {
				w.write(writeCtx, msg)
			}
			return nil
		})
	}

	w.logger.Debug("persist workers started", "workers", w.opts.Workers, "queue_size", w.opts.QueueSize)
	return g.Wait()
}

func (w *Writer) write(ctx context.Context, msg *store.Message) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	if err := w.saver.SaveMessage(ctx, msg); err != nil {
		w.failed.Add(1)
		w.logger.Error("persisting message",
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID,
			"sender", msg.SenderHandle,
			"error", err)
		return
	}
	w.persisted.Add(1)
}

func (w *Writer) closeQueue() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
	close(w.stop)
}

// Close stops intake and waits for queued messages to be written, or for
// ctx to end, whichever comes first.
func (w *Writer) Close(ctx context.Context) error {
	w.closeQueue()
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Persisted: w.persisted.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    len(w.queue),
	}
}
