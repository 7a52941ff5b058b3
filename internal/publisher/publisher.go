// Package publisher streams terminal builds to Cloud Pub/Sub for external
// consumers.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"buildorch/internal/eventbus"
	"buildorch/internal/metrics"
	"buildorch/internal/model"
	"buildorch/internal/project"
	"buildorch/pkg/logx"
)

var ErrStopped = errors.New("publisher stopped")

type Config struct {
	ProjectID string
	// Topic is used for projects without their own pubsub_topic.
	Topic string
	// Endpoint points at an emulator (host:port) over plaintext gRPC.
	Endpoint string
	// Timeout bounds the wait for each publish acknowledgement.
	Timeout time.Duration
}

type Deps struct {
	Registry *project.Registry
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
	// Client overrides the client built from Config.
	Client *pubsub.Client
}

// Event is the message body published for each terminal build.
type Event struct {
	BuildID   int64     `json:"build_id"`
	Number    int       `json:"number"`
	Builder   string    `json:"builder"`
	Project   string    `json:"project"`
	Status    string    `json:"status"`
	Revision  string    `json:"revision"`
	Branch    string    `json:"branch"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func EventFor(b *model.Build) Event {
	ts := b.End
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		BuildID:   b.ID,
		Number:    b.Number,
		Builder:   b.Builder,
		Project:   b.Project,
		Status:    b.Status.String(),
		Revision:  b.Source.Revision,
		Branch:    b.Source.Branch,
		Reason:    b.Reason,
		Timestamp: ts.UTC(),
	}
}

// Publisher is an orchestrator completion listener. A nil or disabled
// Publisher accepts builds and drops them.
type Publisher struct {
	cfg     Config
	reg     *project.Registry
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	client *pubsub.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	topics  map[string]*pubsub.Topic
	stopped bool
}

// New connects to Pub/Sub. An empty ProjectID yields a disabled publisher.
func New(ctx context.Context, cfg Config, d Deps) (*Publisher, error) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Publisher{
		cfg:     cfg,
		reg:     d.Registry,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     d.Log,
		client:  d.Client,
		topics:  map[string]*pubsub.Topic{},
	}
	if p.client == nil && strings.TrimSpace(cfg.ProjectID) != "" {
		var opts []option.ClientOption
		if cfg.Endpoint != "" {
			conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("pubsub emulator %s: %w", cfg.Endpoint, err)
			}
			opts = append(opts, option.WithGRPCConn(conn), option.WithoutAuthentication())
		}
		c, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("pubsub client for %s: %w", cfg.ProjectID, err)
		}
		p.client = c
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

func (p *Publisher) Enabled() bool { return p != nil && p.client != nil }

// BuildCompleted publishes asynchronously; acknowledgement is awaited in
// the background and failures are only logged.
func (p *Publisher) BuildCompleted(b *model.Build) {
	if !p.Enabled() {
		return
	}
	topicID := p.topicFor(b.Project)
	if topicID == "" {
		return
	}
	topic, err := p.topic(topicID)
	if err != nil {
		return
	}
	data, err := json.Marshal(EventFor(b))
	if err != nil {
		p.log.Warn("build event not encoded", logx.Int64("build", b.ID), logx.Err(err))
		return
	}
	res := topic.Publish(p.ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"builder": b.Builder, "status": b.Status.String()},
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
		defer cancel()
		if _, err := res.Get(ctx); err != nil {
			p.metrics.Published("error")
			p.log.Warn("build event not published", logx.Int64("build", b.ID), logx.String("topic", topicID), logx.Err(err))
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.PublishFailed, Data: b.ID})
			}
			return
		}
		p.metrics.Published("ok")
	}()
}

func (p *Publisher) topicFor(projectName string) string {
	if p.reg != nil {
		if pr, ok := p.reg.Project(projectName); ok && pr.PubSubTopic != "" {
			return pr.PubSubTopic
		}
	}
	return p.cfg.Topic
}

func (p *Publisher) topic(id string) (*pubsub.Topic, error) {
	p.mu.RLock()
	t := p.topics[id]
	p.mu.RUnlock()
	if t != nil {
		return t, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t, nil
	}
	if p.stopped {
		return nil, ErrStopped
	}
	t = p.client.Topic(id)
	p.topics[id] = t
	return t, nil
}

// Stop flushes pending publishes, waits for acknowledgements until ctx
// expires and closes the client.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	topics := p.topics
	p.topics = nil
	p.mu.Unlock()

	for _, t := range topics {
		t.Stop()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.cancel()
	return errors.Join(err, p.client.Close())
}
