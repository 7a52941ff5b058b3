package storage

import (
	"context"
	"sync/atomic"
	"time"

	"buildorch/internal/model"
	"buildorch/pkg/logx"
)

// Recorder persists terminal builds off the completion path. BuildCompleted
// only enqueues; Run does the writes.
type Recorder struct {
	store   Store
	log     logx.Logger
	queue   chan *model.Build
	dropped atomic.Uint64
}

func NewRecorder(store Store, log logx.Logger, queueSize int) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, queue: make(chan *model.Build, max(queueSize, 16))}
}

func (r *Recorder) BuildCompleted(b *model.Build) {
	select {
	case r.queue <- b:
	default:
		n := r.dropped.Add(1)
		r.log.Warn("build record dropped; queue full", logx.Int64("build", b.ID), logx.Uint64("dropped_total", n))
	}
}

// Dropped counts builds not persisted because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued builds until ctx is done, then flushes what is left
// with a short deadline.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case b := <-r.queue:
			r.save(ctx, b)
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Recorder) flush() {
	fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case b := <-r.queue:
			r.save(fctx, b)
		default:
			return
		}
	}
}

func (r *Recorder) save(ctx context.Context, b *model.Build) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.SaveBuild(sctx, b); err != nil {
		r.log.Warn("build record failed", logx.Int64("build", b.ID), logx.Err(err))
	}
}
