package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"buildorch/internal/ops"
)

// opsClient talks to a running daemon's ops API.
type opsClient struct {
	addr    string
	token   string
	timeout time.Duration
}

func (c *opsClient) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.addr, "addr", ops.DefaultAddr, "ops API address (host:port or URL)")
	f.StringVar(&c.token, "token", os.Getenv("BUILDORCH_TOKEN"), "ops API bearer token (default $BUILDORCH_TOKEN)")
	f.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
}

func (c *opsClient) url(path string, q url.Values) string {
	base := c.addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u := strings.TrimRight(base, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends body as JSON and decodes a JSON response into out when non-nil.
func (c *opsClient) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCommand() *cobra.Command {
	var (
		c       opsClient
		builder string
		limit   int
		what    string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show builds, workers, schedulers or the tree status of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				path string
				q    = url.Values{}
			)
			switch what {
			case "builds":
				path = "/api/builds"
				if builder != "" {
					q.Set("builder", builder)
				}
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
			case "history":
				path = "/api/history"
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
			case "workers":
				path = "/api/workers"
			case "schedulers":
				path = "/api/schedulers"
			case "tree":
				path = "/api/tree"
			default:
				return fmt.Errorf("unknown --show %q (builds, history, workers, schedulers, tree)", what)
			}
			var out any
			if err := c.do(cmd.Context(), http.MethodGet, path, q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	c.bind(cmd)
	cmd.Flags().StringVar(&what, "show", "builds", "builds, history, workers, schedulers or tree")
	cmd.Flags().StringVar(&builder, "builder", "", "only builds of this builder")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var (
		c      opsClient
		reason string
	)
	cmd := &cobra.Command{
		Use:   "cancel BUILD_ID",
		Short: "Cancel a pending or running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			body := map[string]string{"reason": reason}
			if err := c.do(cmd.Context(), http.MethodPost, fmt.Sprintf("/api/builds/%d/cancel", id), nil, body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %d cancelled\n", id)
			return nil
		},
	}
	c.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the build")
	return cmd
}

func newForceCommand() *cobra.Command {
	var (
		c     opsClient
		req   ops.ForceRequest
		props []string
	)
	cmd := &cobra.Command{
		Use:   "force BUILDER",
		Short: "Request a build now, bypassing schedulers and the tree gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(props) > 0 {
				req.Properties = map[string]string{}
				for _, kv := range props {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid --property %q, want key=value", kv)
					}
					req.Properties[k] = v
				}
			}
			var out struct {
				BuildID int64 `json:"build_id"`
			}
			path := "/api/builders/" + url.PathEscape(args[0]) + "/force"
			if err := c.do(cmd.Context(), http.MethodPost, path, nil, req, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %d requested\n", out.BuildID)
			return nil
		},
	}
	c.bind(cmd)
	f := cmd.Flags()
	f.StringVar(&req.Reason, "reason", "", "reason recorded on the build")
	f.StringVar(&req.Branch, "branch", "", "branch to build")
	f.StringVar(&req.Revision, "revision", "", "revision to build")
	f.StringArrayVar(&props, "property", nil, "build property key=value (repeatable)")
	return cmd
}

func newTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Open or close the tree",
	}
	set := func(open bool) *cobra.Command {
		var (
			c      opsClient
			reason string
			who    string
		)
		use := "close"
		if open {
			use = "open"
		}
		sub := &cobra.Command{
			Use:   use,
			Short: use + " the tree",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				body := ops.TreeRequest{Open: &open, Reason: reason, Who: who}
				var out any
				if err := c.do(cmd.Context(), http.MethodPut, "/api/tree", nil, body, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		}
		c.bind(sub)
		sub.Flags().StringVar(&reason, "reason", "", "why the tree changes state")
		sub.Flags().StringVar(&who, "who", os.Getenv("USER"), "who changes it")
		return sub
	}
	cmd.AddCommand(set(true), set(false))
	return cmd
}

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Take workers offline or bring them back",
	}
	mark := func(state string) *cobra.Command {
		var c opsClient
		sub := &cobra.Command{
			Use:   state + " HOSTNAME",
			Short: "Mark a worker " + state,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/api/workers/" + url.PathEscape(args[0]) + "/" + state
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "worker %s %s\n", args[0], state)
				return nil
			},
		}
		c.bind(sub)
		return sub
	}
	cmd.AddCommand(mark("offline"), mark("online"))
	return cmd
}
