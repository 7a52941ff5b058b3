// Package changes delivers observed source-control changes to the
// scheduler. Real VCS pollers plug in through Source or through a
// FetchFunc driven by Poller.
package changes

import (
	"context"
	"errors"
	"strings"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"buildorch/internal/model"
)

var (
	ErrInvalidChange = errors.New("changes: revision and branch required")
	ErrFeedClosed    = errors.New("changes: feed closed")
)

// Source emits changes in the order they were observed. Run blocks until
// ctx is done or the source fails.
type Source interface {
	Run(ctx context.Context, out chan<- model.Change) error
}

// Feed is an in-memory Source fed by Push. It backs the HTTP change hook
// and tests.
type Feed struct {
	clock clock.Clock
	ch    chan model.Change

	// done releases pushers blocked on a full buffer so Close can take mu.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewFeed(buffer int, clk clock.Clock) *Feed {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Feed{
		clock: clk,
		ch:    make(chan model.Change, max(buffer, 1)),
		done:  make(chan struct{}),
	}
}

// Push stamps c with an ID and timestamp when missing and queues it. It
// blocks while the buffer is full, until ctx is done or the feed closes.
func (f *Feed) Push(ctx context.Context, c model.Change) (model.Change, error) {
	c.Branch = strings.TrimSpace(c.Branch)
	c.Revision = strings.TrimSpace(c.Revision)
	if c.Branch == "" || c.Revision == "" {
		return c, ErrInvalidChange
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = f.clock.Now()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return c, ErrFeedClosed
	}
	select {
	case f.ch <- c:
		return c, nil
	case <-f.done:
		return c, ErrFeedClosed
	case <-ctx.Done():
		return c, ctx.Err()
	}
}

// Close stops accepting changes; Run drains what is queued and returns.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *Feed) Run(ctx context.Context, out chan<- model.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-f.ch:
			if !ok {
				return nil
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
