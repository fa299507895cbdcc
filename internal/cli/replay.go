package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/adamwoolhether/backoffer/internal/origin"
	"github.com/adamwoolhether/backoffer/throttle"
)

var simEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// step is one scripted request: an origin response, optionally prefixed
// with "u:" when the request is an explicit user gesture.
type step struct {
	raw     string
	resp    origin.Response
	gesture bool
}

type replayFlags struct {
	step    time.Duration
	jitter  bool
	gesture bool
}

func newReplayCmd(flags *rootFlags) *cobra.Command {
	var rf replayFlags

	cmd := &cobra.Command{
		Use:   "replay <status>[,<status>...]",
		Short: "Replay a response sequence against the policy",
		Long: `Replay feeds a scripted sequence of responses to a single throttle entry
on a simulated clock and prints the entry's state after every step.

A step is a status code, optionally followed by "!" when its body is
malformed, "~" when the server opts out of backoff, and "@<duration>" for a
Retry-After hint. Prefix it with "u:" when the request is an explicit user
gesture:

  throttlesim replay 200,503,503,503@5s,u:200 --step 250ms`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}

			rows, err := replay(cfg.Policy, steps, rf)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderReplay(rows))
			return err
		},
	}

	cmd.Flags().DurationVar(&rf.step, "step", 100*time.Millisecond, "simulated time between requests")
	cmd.Flags().BoolVar(&rf.jitter, "jitter", false, "apply random jitter to backoff delays")
	cmd.Flags().BoolVar(&rf.gesture, "gesture", false, "treat every request as an explicit user gesture")

	return cmd
}

type replayRow struct {
	at        time.Duration
	step      string
	sent      bool
	outcome   string
	failures  int
	release   time.Duration
	advised   time.Duration
	stateName string
}

func replay(policy throttle.Policy, steps []step, rf replayFlags) ([]replayRow, error) {
	if rf.step < 0 {
		return nil, errors.New("--step must not be negative")
	}

	clock := throttle.NewManualClock(simEpoch)
	opts := []throttle.Option{throttle.WithClock(clock)}
	if !rf.jitter {
		opts = append(opts, throttle.WithJitterSource(throttle.NoJitter{}))
	}

	e, err := throttle.NewEntry("sim://destination/", policy, opts...)
	if err != nil {
		return nil, err
	}

	rows := make([]replayRow, 0, len(steps))
	for i, s := range steps {
		if i > 0 {
			clock.Advance(rf.step)
		}
		now := clock.Now()

		row := replayRow{at: now.Sub(simEpoch), step: s.raw}

		if e.ShouldRejectRequest(now, s.gesture || rf.gesture) {
			row.outcome = "rejected"
		} else {
			row.sent = true
			row.advised = e.ReserveSendingTimeForNextRequest(now)

			if s.resp.OptOut {
				e.DisableBackoffThrottling()
			}
			e.UpdateWithResponse(now, s.resp.Status)
			row.outcome = throttle.ClassifyStatus(s.resp.Status).String()
			if s.resp.Malformed {
				e.ReceivedContentWasMalformed(now, s.resp.Status)
				row.outcome = "malformed"
			}
			if s.resp.RetryAfter > 0 {
				e.UpdateWithRetryAfter(now, s.resp.RetryAfter)
			}
		}

		row.failures = e.FailureCount()
		if release := e.GetExponentialBackoffReleaseTime(); release.After(now) {
			row.release = release.Sub(now)
		}
		row.stateName = e.State(now).String()
		rows = append(rows, row)
	}

	return rows, nil
}

func renderReplay(rows []replayRow) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "T", "Step", "Sent", "Outcome", "Failures", "Blocked For", "Advised Wait", "State"})

	var rejected int
	for i, r := range rows {
		if !r.sent {
			rejected++
		}
		t.AppendRow(table.Row{
			i + 1,
			r.at.String(),
			r.step,
			r.sent,
			r.outcome,
			r.failures,
			r.release.String(),
			r.advised.String(),
			r.stateName,
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d/%d rejected", rejected, len(rows)), "", "", "", ""})

	return t.Render()
}

// parseSteps accepts steps as separate arguments, comma separated, or both.
func parseSteps(args []string) ([]step, error) {
	var steps []step
	for _, arg := range args {
		for _, raw := range strings.Split(arg, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}

			s, err := parseStep(raw)
			if err != nil {
				return nil, err
			}
			steps = append(steps, s)
		}
	}

	if len(steps) == 0 {
		return nil, errors.New("no steps given")
	}

	return steps, nil
}

func parseStep(raw string) (step, error) {
	s := step{raw: raw}
	rest := raw

	if after, ok := strings.CutPrefix(rest, "u:"); ok {
		s.gesture = true
		rest = after
	}

	resp, err := origin.ParseResponse(rest)
	if err != nil {
		return step{}, fmt.Errorf("step %q: %w", raw, err)
	}
	s.resp = resp

	return s, nil
}
