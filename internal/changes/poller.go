package changes

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"buildorch/internal/model"
	"buildorch/pkg/logx"
)

// FetchFunc returns the changes currently visible upstream, oldest first.
// Revisions already reported are filtered out by the Poller.
type FetchFunc func(ctx context.Context) ([]model.Change, error)

// Poller turns a FetchFunc into a Source by calling it every Interval.
type Poller struct {
	Name     string
	Interval time.Duration
	Fetch    FetchFunc
	Clock    clock.Clock
	Log      logx.Logger
	// Remember bounds the set of revisions kept for de-duplication.
	Remember int

	clk   clock.Clock
	seen  map[string]struct{}
	order []string
}

func (p *Poller) Run(ctx context.Context, out chan<- model.Change) error {
	p.clk = p.Clock
	if p.clk == nil {
		p.clk = clock.NewClock()
	}
	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if p.Remember <= 0 {
		p.Remember = 4096
	}
	p.seen = map[string]struct{}{}

	t := p.clk.NewTicker(interval)
	defer t.Stop()
	for {
		if err := p.poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("poll failed", logx.String("poller", p.Name), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
		}
	}
}

func (p *Poller) poll(ctx context.Context, out chan<- model.Change) error {
	got, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, c := range got {
		key := c.Project + "\x00" + c.Branch + "\x00" + c.Revision
		if _, dup := p.seen[key]; dup {
			continue
		}
		p.remember(key)
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = p.clk.Now()
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Poller) remember(key string) {
	p.seen[key] = struct{}{}
	p.order = append(p.order, key)
	for len(p.order) > p.Remember {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
}
