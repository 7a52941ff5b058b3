package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"buildorch/internal/config"
	"buildorch/internal/model"
	"buildorch/internal/project"
)

// setupTestPubsub starts a fake Pub/Sub server and a client connected to it.
func setupTestPubsub(t *testing.T, ctx context.Context) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	client, err := pubsub.NewClient(ctx, "ci-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	return srv, client
}

func registry(t *testing.T) *project.Registry {
	t.Helper()
	reg, err := project.Build(&config.Config{Projects: []config.ProjectConfig{
		{Name: "webkit", PubSubTopic: "webkit-builds", Builders: []config.BuilderConfig{{Name: "WebKit Linux", Steps: []config.StepConfig{{Name: "compile"}}}}},
		{Name: "v8", Builders: []config.BuilderConfig{{Name: "V8 Linux", Steps: []config.StepConfig{{Name: "compile"}}}}},
	}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func waitMessages(t *testing.T, srv *pstest.Server, n int) []*pstest.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := srv.Messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d messages, want %d", len(srv.Messages()), n)
	return nil
}

func TestPublishesBuildEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, client := setupTestPubsub(t, ctx)
	for _, id := range []string{"webkit-builds", "builds"} {
		if _, err := client.CreateTopic(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	p, err := New(ctx, Config{ProjectID: "ci-project", Topic: "builds"}, Deps{Registry: registry(t), Client: client})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Stop(context.Background()) }()

	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.BuildCompleted(&model.Build{
		ID: 12, Number: 3, Builder: "WebKit Linux", Project: "webkit", Status: model.StatusFailure,
		Reason: "step compile failed (retcode 1)", End: end,
		Source: model.SourceStamp{Branch: "main", Revision: "r42"},
	})
	p.BuildCompleted(&model.Build{ID: 13, Builder: "V8 Linux", Project: "v8", Status: model.StatusSuccess, End: end})

	msgs := waitMessages(t, srv, 2)
	byBuilder := map[string]*pstest.Message{}
	for _, m := range msgs {
		byBuilder[m.Attributes["builder"]] = m
	}
	wk := byBuilder["WebKit Linux"]
	if wk == nil || wk.Attributes["status"] != "failure" {
		t.Fatalf("webkit message = %+v", wk)
	}
	var got Event
	if err := json.Unmarshal(wk.Data, &got); err != nil {
		t.Fatal(err)
	}
	want := Event{
		BuildID: 12, Number: 3, Builder: "WebKit Linux", Project: "webkit", Status: "failure",
		Revision: "r42", Branch: "main", Reason: "step compile failed (retcode 1)", Timestamp: end,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	if byBuilder["V8 Linux"] == nil {
		t.Fatal("project without its own topic did not use the default topic")
	}
}

func TestDisabledPublisherDropsBuilds(t *testing.T) {
	t.Parallel()
	p, err := New(context.Background(), Config{}, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled() {
		t.Fatal("publisher without project id is enabled")
	}
	p.BuildCompleted(&model.Build{ID: 1})
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}
