package changes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"buildorch/internal/model"
)

func TestCommandFetchDecodesChanges(t *testing.T) {
	t.Parallel()
	fetch := CommandFetch(Command{
		Argv: []string{"sh", "-c", `printf '%s\n' \
			'{"branch":"main","revision":"r1","author":"alice@example.com"}' \
			'{"project":"chromium","branch":" main ","revision":"r2","files":["a.cc"]}'`},
		Timeout: 10 * time.Second,
		Project: "webkit",
	})
	got, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []model.Change{
		{Project: "webkit", Branch: "main", Revision: "r1", Author: "alice@example.com"},
		{Project: "chromium", Branch: "main", Revision: "r2", Files: []string{"a.cc"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandFetchFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{name: "non-zero exit", script: "echo 'fatal: bad ref' >&2; exit 128", want: "fatal: bad ref"},
		{name: "not json", script: "echo nope", want: "change 1"},
		{name: "missing revision", script: `echo '{"branch":"main"}'`, want: ErrInvalidChange.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := CommandFetch(Command{Argv: []string{"sh", "-c", tt.script}})(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
	if _, err := CommandFetch(Command{})(context.Background()); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestCommandFetchTimeout(t *testing.T) {
	t.Parallel()
	fetch := CommandFetch(Command{Argv: []string{"sleep", "10"}, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := fetch(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("fetch took %s", took)
	}
	if errors.Is(err, ErrInvalidChange) {
		t.Fatalf("err = %v", err)
	}
}
