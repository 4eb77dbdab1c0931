// Asynchronous remote fetch queue with fan-out delivery of resolved objects.

// Package fetch turns cache misses into background remote loads.
//
// Callers Submit a Task and return immediately. A worker goroutine, running
// only while the queue is not empty, starts tasks in submission order; a task's ids are
// fetched in chunks that resolve independently, so results arrive in
// resolution order, not request order. Identical requests are not merged.
package fetch

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"weak"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maruel/collabdb/internal/notify"
)

// FetchFunc loads the encoded state of each id. Ids that are unknown to the
// remote are either absent from the map or mapped to an empty slice.
type FetchFunc func(ctx context.Context, ids []string) (map[string][]byte, error)

// ResolveFunc turns a fetched state into a value. Returning false skips it.
type ResolveFunc[T any] func(id string, state []byte) (T, bool)

// Options tunes fetch concurrency and throttling.
type Options struct {
	// ChunkSize is the maximum number of ids per remote call. 0 means one
	// call per task.
	ChunkSize int `json:"chunk_size"`
	// Concurrency bounds the chunks of one task in flight at once.
	Concurrency int `json:"concurrency"`
	// Rate is the number of remote calls allowed per second. 0 is unlimited.
	Rate float64 `json:"rate"`
	// Burst is the token bucket size when Rate is set.
	Burst int `json:"burst"`
}

// DefaultOptions returns the settings used when none are configured. Each
// id is fetched on its own so every object is delivered as soon as it
// resolves.
func DefaultOptions() Options {
	return Options{ChunkSize: 1, Concurrency: 8, Rate: 0, Burst: 1}
}

// Task is one fetch request.
type Task[T any] struct {
	// Seq orders submissions for diagnostics only.
	Seq uint64
	UID int64
	IDs []string
	// Results receives one slice per resolved chunk and is closed when the
	// task finishes, including when it is abandoned on Close.
	Results chan<- []T
}

// Orchestrator owns the queue and the worker goroutine.
type Orchestrator[T any] struct {
	fetch   FetchFunc
	resolve ResolveFunc[T]
	opts    Options
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []Task[T]
	running bool
	closed  bool
}

// New starts an orchestrator.
func New[T any](fetch FetchFunc, resolve ResolveFunc[T], opts Options) *Orchestrator[T] {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.Rate), max(opts.Burst, 1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator[T]{
		fetch:   fetch,
		resolve: resolve,
		opts:    opts,
		limiter: lim,
		ctx:     ctx,
		cancel:  cancel,
	}
	return o
}

// Submit enqueues t without blocking. It returns false when the orchestrator
// is closed, in which case t.Results is closed right away.
func (o *Orchestrator[T]) Submit(t Task[T]) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		if t.Results != nil {
			close(t.Results)
		}
		return false
	}
	o.queue = append(o.queue, t)
	if !o.running {
		o.running = true
		o.wg.Add(1)
		go o.worker()
	}
	o.mu.Unlock()
	return true
}

// Pending returns the number of tasks not yet started.
func (o *Orchestrator[T]) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops the worker, cancels in-flight fetches and waits for them.
// Queued tasks are dropped.
func (o *Orchestrator[T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	dropped := o.queue
	o.queue = nil
	o.mu.Unlock()
	o.cancel()
	for _, t := range dropped {
		if t.Results != nil {
			close(t.Results)
		}
	}
	o.wg.Wait()
}

// worker starts queued tasks in submission order and exits once the queue
// is empty, so an idle orchestrator owns no goroutine.
func (o *Orchestrator[T]) worker() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if o.closed || len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		t := o.queue[0]
		o.queue = o.queue[1:]
		o.wg.Add(1)
		o.mu.Unlock()
		go o.run(t)
	}
}

func (o *Orchestrator[T]) run(t Task[T]) {
	defer o.wg.Done()
	if t.Results != nil {
		defer close(t.Results)
	}
	slog.Debug("fetch started", "seq", t.Seq, "uid", t.UID, "ids", len(t.IDs))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for chunk := range chunks(t.IDs, o.opts.ChunkSize) {
		g.Go(func() error {
			o.runChunk(t, chunk)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator[T]) runChunk(t Task[T], ids []string) {
	if err := o.limiter.Wait(o.ctx); err != nil {
		return
	}
	states, err := o.fetch(o.ctx, ids)
	if err != nil {
		slog.Error("failed to fetch documents", "seq", t.Seq, "uid", t.UID, "ids", ids, "error", err)
		return
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		state := states[id]
		if len(state) == 0 {
			slog.Debug("document not found on remote", "seq", t.Seq, "id", id)
			continue
		}
		if v, ok := o.resolve(id, state); ok {
			out = append(out, v)
		}
	}
	if len(out) == 0 || t.Results == nil {
		return
	}
	select {
	case t.Results <- out:
	case <-o.ctx.Done():
	}
}

func chunks(ids []string, size int) iter.Seq[[]string] {
	if size <= 0 {
		size = max(len(ids), 1)
	}
	return slices.Chunk(ids, size)
}

// Dispatch submits ids and forwards every resolved chunk, converted by wrap,
// to dst. The forwarding goroutine keeps only a weak reference to dst: once
// the broadcaster is collected or closed, results are dropped.
//
// It returns false if the orchestrator is closed.
func Dispatch[T, E any](o *Orchestrator[T], seq uint64, uid int64, ids []string, dst weak.Pointer[notify.Broadcaster[E]], wrap func([]T) E) bool {
	ch := make(chan []T, 1)
	if !o.Submit(Task[T]{Seq: seq, UID: uid, IDs: ids, Results: ch}) {
		return false
	}
	go Relay(ch, dst, wrap)
	return true
}

// Relay forwards results to dst until results is closed.
func Relay[T, E any](results <-chan []T, dst weak.Pointer[notify.Broadcaster[E]], wrap func([]T) E) {
	for res := range results {
		b := dst.Value()
		if b == nil || b.Closed() {
			continue
		}
		b.Send(wrap(res))
	}
}
