package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rmax-ai/cadence/pkg/client"
	"github.com/rmax-ai/cadence/pkg/mcp"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: cadence <command> [args]

Commands:
  status                          quotas, permissions and opportunities
  can <action>                    ask the quota gate (post, reply, generate, ...)
  act                             should I act now?
  usage <provider> <window> [n]   record n units (default 1)
  limits [--refresh]              quotas as JSON
  schedule                        run an analysis and print it as JSON
  mcp                             serve the Model Context Protocol on stdio
  version

Environment:
  CADENCE_URL     daemon endpoint (default ` + client.DefaultEndpoint + `)
  CADENCE_TOKEN   bearer token for write requests
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	endpoint := os.Getenv("CADENCE_URL")
	var opts []client.Option
	if token := os.Getenv("CADENCE_TOKEN"); token != "" {
		opts = append(opts, client.WithToken(token))
	}

	if os.Args[1] == "mcp" {
		if err := mcp.NewServer(endpoint, opts...).Serve(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := client.NewClient(endpoint, opts...)
	code, err := run(ctx, c, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *client.StatusError
		if !errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, "Is cadenced running?")
		}
	}
	os.Exit(code)
}

// run executes one command. The exit code is 1 on errors and on negative
// answers from "can" and "act", so the CLI can be used in shell conditions.
func run(ctx context.Context, c *client.Client, args []string, out io.Writer) (int, error) {
	switch args[0] {
	case "status":
		l, err := c.Limits(ctx, false)
		if err != nil {
			return 1, err
		}
		var sched *client.Schedule
		if s, err := c.Schedule(ctx, true); err == nil {
			sched = &s
		}
		fmt.Fprintln(out, renderStatus(l, sched, time.Now()))
		return 0, nil

	case "can":
		if len(args) < 2 {
			return 2, errors.New("usage: cadence can <action>")
		}
		d, err := c.CanPerform(ctx, args[1])
		if err != nil {
			return 1, err
		}
		if d.Allowed {
			fmt.Fprintln(out, okStyle.Render("allowed"))
			for _, w := range d.Warnings {
				fmt.Fprintln(out, warnStyle.Render("warning: "+w))
			}
			return 0, nil
		}
		msg := "denied: " + d.Reason
		if d.RetryAfter != nil {
			msg += fmt.Sprintf(" (retry in %s)", d.RetryAfter.Round(time.Second))
		}
		fmt.Fprintln(out, errorStyle.Render(msg))
		return 1, nil

	case "act":
		r, err := c.ShouldActNow(ctx)
		if err != nil {
			return 1, err
		}
		if !r.Act {
			fmt.Fprintln(out, subtleStyle.Render("wait: "+r.Reason))
			return 1, nil
		}
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("act: %s (urgency %.2f, %d action(s))", r.Reason, r.Urgency, r.RecommendedCount)))
		return 0, nil

	case "usage":
		if len(args) < 3 {
			return 2, errors.New("usage: cadence usage <provider> <window> [n]")
		}
		n := 1
		if len(args) > 3 {
			parsed, err := strconv.Atoi(args[3])
			if err != nil || parsed < 0 {
				return 2, fmt.Errorf("invalid count %q", args[3])
			}
			n = parsed
		}
		u, err := c.ReportUsage(ctx, args[1], args[2], n)
		if err != nil {
			return 1, err
		}
		fmt.Fprintf(out, "%s/%s: %d used, %d remaining\n", u.Provider, u.Window, u.Used, u.Remaining)
		return 0, nil

	case "limits":
		refresh := len(args) > 1 && args[1] == "--refresh"
		l, err := c.Limits(ctx, refresh)
		if err != nil {
			return 1, err
		}
		return 0, printJSON(out, l)

	case "schedule":
		s, err := c.Schedule(ctx, false)
		if err != nil {
			return 1, err
		}
		return 0, printJSON(out, s)

	case "version":
		fmt.Fprintf(out, "cadence %s (%s, built %s)\n", Version, Commit, BuildTime)
		return 0, nil

	default:
		fmt.Fprint(out, usage)
		return 2, nil
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
