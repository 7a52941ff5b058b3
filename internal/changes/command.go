package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"buildorch/internal/model"
)

// Command is an external program that lists upstream changes, e.g. a
// wrapper around `git log` or a code review query.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
	// Project is stamped on changes that do not name one.
	Project string
}

// CommandFetch runs cmd on every poll and decodes its stdout as a stream
// of JSON changes. A non-zero exit fails the poll with the end of stderr.
func CommandFetch(cmd Command) FetchFunc {
	return func(ctx context.Context) ([]model.Change, error) {
		if len(cmd.Argv) == 0 {
			return nil, errors.New("changes: empty command")
		}
		if cmd.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
			defer cancel()
		}
		c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
		c.Dir = cmd.Dir
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr
		if err := c.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 512 {
				msg = "..." + msg[len(msg)-512:]
			}
			return nil, fmt.Errorf("changes: %s: %w: %s", cmd.Argv[0], err, msg)
		}
		return decodeChanges(&stdout, cmd.Project)
	}
}

func decodeChanges(r io.Reader, project string) ([]model.Change, error) {
	dec := json.NewDecoder(r)
	var out []model.Change
	for {
		var c model.Change
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("changes: change %d: %w", len(out)+1, err)
		}
		c.Branch = strings.TrimSpace(c.Branch)
		c.Revision = strings.TrimSpace(c.Revision)
		if c.Branch == "" || c.Revision == "" {
			return nil, fmt.Errorf("change %d: %w", len(out)+1, ErrInvalidChange)
		}
		if c.Project == "" {
			c.Project = project
		}
		out = append(out, c)
	}
}
