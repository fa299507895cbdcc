package cli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/adamwoolhether/backoffer/client"
	"github.com/adamwoolhether/backoffer/throttle/registry"
	"github.com/adamwoolhether/backoffer/throttle/transport"
)

type probeFlags struct {
	count    int
	interval time.Duration
	expect   int
	timeout  time.Duration
	pacing   bool
	rps      int
}

func newProbeCmd(flags *rootFlags) *cobra.Command {
	var pf probeFlags

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Send real requests to a URL through the throttle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pf.count <= 0 {
				return errors.New("--count must be greater than zero")
			}

			target, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing url: %w", err)
			}
			if target.Scheme != "http" && target.Scheme != "https" {
				return fmt.Errorf("unsupported scheme %q", target.Scheme)
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := flags.logger(cmd)
			if err != nil {
				return err
			}

			reg, err := cfg.NewRegistry(registry.WithLogger(logger))
			if err != nil {
				return err
			}
			defer reg.Close()

			opts := []client.Option{
				client.WithBackoff(reg),
				client.WithTimeout(pf.timeout),
				client.WithUserAgent("throttlesim"),
				client.WithLogger(logger),
			}
			if pf.pacing {
				opts = append(opts, client.WithPacing())
			}
			if pf.rps > 0 {
				opts = append(opts, client.WithRateLimit(pf.rps, pf.rps))
			}

			c, err := client.Build(opts...)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"#", "Elapsed", "Result", "Detail"})

			start := time.Now()
			for i := range pf.count {
				if i > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(pf.interval):
					}
				}

				req, err := client.Request(cmd.Context(), target, http.MethodGet)
				if err != nil {
					return err
				}

				result, detail := probeResult(c.Do(req, pf.expect))
				t.AppendRow(table.Row{i + 1, time.Since(start).Round(time.Millisecond).String(), result, detail})
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return err
		},
	}

	cmd.Flags().IntVarP(&pf.count, "count", "n", 5, "number of requests")
	cmd.Flags().DurationVar(&pf.interval, "interval", 500*time.Millisecond, "wait between requests")
	cmd.Flags().IntVar(&pf.expect, "expect", http.StatusOK, "expected status code")
	cmd.Flags().DurationVar(&pf.timeout, "timeout", 10*time.Second, "per request timeout")
	cmd.Flags().BoolVar(&pf.pacing, "pacing", false, "wait for the advised delay before sending")
	cmd.Flags().IntVar(&pf.rps, "rps", 0, "per host requests per second, 0 for unlimited")

	return cmd
}

func probeResult(err error) (string, string) {
	var (
		rejected  *transport.RejectedError
		statusErr *client.UnexpectedStatusError
	)

	switch {
	case err == nil:
		return "ok", ""
	case errors.As(err, &rejected):
		return "rejected", "until " + rejected.Until.Format(time.RFC3339Nano)
	case errors.As(err, &statusErr):
		return "status", fmt.Sprintf("%d %s", statusErr.StatusCode, http.StatusText(statusErr.StatusCode))
	default:
		return "error", err.Error()
	}
}
