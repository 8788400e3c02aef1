package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/telemetry"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	level   string
	attrs   map[string]string
	span    string
	fail    string
	mirror  bool
	timeout time.Duration
	summary bool
}

func newSendCommand(a *app) *cobra.Command {
	o := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send one log event, optionally inside a span",
		Long: `Send initializes the client, emits MESSAGE at the chosen level and shuts
the client down, flushing everything to the ingest endpoint.

With --span the log is emitted inside a span of that name, so the backend
shows them correlated. With --fail the span ends with that error and the
log is sent at error level with its exception details.`,
		Example: `  logzai send "deploy finished" --attr version=1.4.2
  logzai send "payment failed" --level error --span checkout --fail "card declined"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, a, o, args[0])
		},
	}

	cmd.Flags().StringVarP(&o.level, "level", "l", "info", "log level: debug, info, warning, error, critical")
	cmd.Flags().StringToStringVarP(&o.attrs, "attr", "a", nil, "log attribute key=value (repeatable)")
	cmd.Flags().StringVar(&o.span, "span", "", "wrap the log in a span with this name")
	cmd.Flags().StringVar(&o.fail, "fail", "", "end the span with this error (requires --span)")
	cmd.Flags().BoolVar(&o.mirror, "mirror", false, "also print the log and span to the console")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "shutdown budget for flushing")
	cmd.Flags().BoolVar(&o.summary, "summary", false, "print the client counters as JSON after shutdown")

	return cmd
}

func runSend(cmd *cobra.Command, a *app, o *sendOptions, msg string) error {
	level, err := core.ParseLevel(o.level)
	if err != nil {
		return err
	}
	if o.fail != "" && o.span == "" {
		return errors.New("--fail requires --span")
	}

	opts := a.options()
	if o.mirror {
		opts = append(opts, core.WithMirrorToConsole(true))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}

	c := a.newController(cmd.ErrOrStderr(), telemetry.WithConsoleOutput(cmd.OutOrStdout()))
	if err := c.Init(cmd.Context(), cfg); err != nil {
		return err
	}

	attrs := make(map[string]any, len(o.attrs))
	for k, v := range o.attrs {
		attrs[k] = v
	}

	ctx := telemetry.NewFlow(cmd.Context())
	var traceID string
	if o.span == "" {
		c.Emit(ctx, level, msg, attrs)
	} else {
		_ = c.WithSpan(ctx, o.span, nil, func(ctx context.Context, span *telemetry.SpanHandle) error {
			traceID = span.TraceID().String()
			if o.fail == "" {
				c.Emit(ctx, level, msg, attrs)
				return nil
			}
			failErr := errors.New(o.fail)
			c.Exception(ctx, msg, failErr, attrs)
			return failErr
		})
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), o.timeout)
	defer cancel()
	shutdownErr := c.Shutdown(sctx)

	out := cmd.OutOrStdout()
	h := c.Health()
	switch {
	case o.summary:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(h); err != nil {
			return err
		}
	case traceID != "":
		fmt.Fprintf(out, "sent %q at %s in span %q (trace %s) to %s\n", msg, strings.ToLower(level.String()), o.span, traceID, cfg.IngestEndpoint)
	default:
		fmt.Fprintf(out, "sent %q at %s to %s\n", msg, strings.ToLower(level.String()), cfg.IngestEndpoint)
	}
	if h.TransportErrors > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d transport errors, last: %s\n", h.TransportErrors, h.LastTransportError)
	}
	return shutdownErr
}
