package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/api"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/relay"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// judgeDevice is a judge's local relay in front of the live API.
type judgeDevice struct {
	client *api.Client
	relay  *relay.Relay
	buf    *relay.SQLiteBuffer
	clock  clockwork.Clock
	cfg    JudgeConfig
}

func openJudgeDevice() (*judgeDevice, error) {
	cfg, err := parseConfig[JudgeConfig]()
	if err != nil {
		return nil, err
	}
	buf, err := relay.OpenSQLiteBuffer(cfg.BufferPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay buffer: %w", err)
	}
	client := api.NewClient(&http.Client{Timeout: cfg.RequestTimeout}, cfg.APIURL)

	relayCfg := relay.DefaultConfig()
	relayCfg.SyncInterval = cfg.SyncInterval
	relayCfg.MaxAge = cfg.MaxAge
	clock := clockwork.NewRealClock()
	return &judgeDevice{
		client: client,
		relay:  relay.New(buf, client, client, clock, relayCfg),
		buf:    buf,
		clock:  clock,
		cfg:    cfg,
	}, nil
}

func (d *judgeDevice) Close() {
	if err := d.buf.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close relay buffer")
	}
}

// withJudgeDevice opens the device for the duration of one command.
func withJudgeDevice(fn func(ctx context.Context, d *judgeDevice, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		d, err := openJudgeDevice()
		if err != nil {
			return fail(err, "failed to open judge device")
		}
		defer d.Close()
		return fn(cmd.Context(), d, cmd.OutOrStdout())
	}
}

func newJudgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Submit judge votes and run event timers through the offline relay",
	}
	cmd.AddCommand(newJudgeVoteCmd(), newJudgeSyncCmd(), newJudgePendingCmd(), newJudgeCleanupCmd(), newJudgeRelayCmd(), newJudgeTimerCmd())
	return cmd
}

func newJudgeVoteCmd() *cobra.Command {
	var (
		sessionFlag string
		attemptFlag string
		judgeID     string
		position    int
		vote        string
	)
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Vote on the current attempt of a session",
		RunE: withJudgeDevice(func(ctx context.Context, d *judgeDevice, out io.Writer) error {
			sessionID, err := uuid.Parse(sessionFlag)
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			req := attempt.VoteRequest{JudgeID: judgeID, Position: position, Vote: models.Vote(vote)}

			var attemptID uuid.UUID
			if attemptFlag != "" {
				if attemptID, err = uuid.Parse(attemptFlag); err != nil {
					return fmt.Errorf("invalid attempt id: %w", err)
				}
			} else {
				s, err := d.client.GetLiveSession(ctx, sessionID)
				if err != nil {
					return fail(err, "failed to resolve current attempt; pass --attempt to vote offline")
				}
				if !s.HasCurrent() {
					return fail(apperr.InvalidState("session has no current attempt"), "nothing to vote on")
				}
				attemptID = attempt.ID(sessionID, *s.CurrentAthleteID, *s.CurrentDisciplineID, *s.CurrentAttemptNumber)
				if req.Position == 0 {
					req.Position = s.JudgeAssignments[judgeID]
				}
			}

			res, err := d.relay.SubmitJudgeVote(ctx, sessionID, attemptID, req)
			if err != nil {
				if apperr.CodeOf(err) == apperr.CodeSyncFailure {
					log.Warn().Str("attempt_id", attemptID.String()).Msg("vote buffered, run `judge sync` once the server is reachable")
					return writeJSON(out, map[string]any{"attempt_id": attemptID, "buffered": true})
				}
				return fail(err, "vote rejected")
			}
			return writeJSON(out, res)
		}),
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "live session id")
	cmd.Flags().StringVar(&attemptFlag, "attempt", "", "attempt id (defaults to the session's current attempt)")
	cmd.Flags().StringVar(&judgeID, "judge", "", "judge id")
	cmd.Flags().IntVar(&position, "position", 0, "judge position 1-3 (defaults to the session's assignment)")
	cmd.Flags().StringVar(&vote, "vote", "", "valid or invalid")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("judge")
	_ = cmd.MarkFlagRequired("vote")
	return cmd
}

func newJudgeSyncCmd() *cobra.Command {
	var sessionFlag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay buffered votes and timer writes",
		RunE: withJudgeDevice(func(ctx context.Context, d *judgeDevice, out io.Writer) error {
			var (
				report relay.SyncReport
				err    error
			)
			if sessionFlag == "" {
				report, err = d.relay.SyncAll(ctx)
			} else {
				sessionID, perr := uuid.Parse(sessionFlag)
				if perr != nil {
					return fmt.Errorf("invalid session id: %w", perr)
				}
				report, err = d.relay.SyncPendingVotes(ctx, sessionID)
			}
			if err != nil {
				return fail(err, "replay failed")
			}
			return writeJSON(out, report)
		}),
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "only replay votes of this session")
	return cmd
}

func newJudgePendingCmd() *cobra.Command {
	var sessionFlag string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List buffered votes of a session",
		RunE: withJudgeDevice(func(ctx context.Context, d *judgeDevice, out io.Writer) error {
			sessionID, err := uuid.Parse(sessionFlag)
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			pending, err := d.relay.Pending(ctx, sessionID)
			if err != nil {
				return fail(err, "failed to read relay buffer")
			}
			return writeJSON(out, pending)
		}),
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "live session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newJudgeCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop buffered writes older than the retention window",
		RunE: withJudgeDevice(func(ctx context.Context, d *judgeDevice, out io.Writer) error {
			removed, err := d.relay.CleanupOldVotes(ctx)
			if err != nil {
				return fail(err, "cleanup failed")
			}
			return writeJSON(out, map[string]int{"removed": removed})
		}),
	}
}

func newJudgeRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Keep replaying buffered writes until interrupted",
		RunE: withJudgeDevice(func(ctx context.Context, d *judgeDevice, _ io.Writer) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().Msg("judge relay running")
			return d.relay.Run(ctx)
		}),
	}
}

func newJudgeTimerCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Run an event's countdown on this device",
		Long: `Runs the event's countdown locally and writes it through the relay, so
changes made while the server is unreachable are replayed once it is back.

Commands are read from stdin, one per line:
  start <type> <seconds> [athlete discipline attempt]
  pause | resume | reset | state`,
	}
	cmd.RunE = withJudgeDevice(func(ctx context.Context, d *judgeDevice, out io.Writer) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runJudgeTimer(ctx, d, eventID, cmd.InOrStdin(), out)
	})
	cmd.Flags().StringVar(&eventID, "event", "", "event id of the timer")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func runJudgeTimer(ctx context.Context, d *judgeDevice, eventID string, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	report := func(v any) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := writeJSON(out, v); err != nil {
			log.Warn().Err(err).Msg("failed to write timer state")
		}
	}

	poller := api.NewTimerPoller(d.client, d.clock, d.cfg.PollInterval)
	client := timer.NewClient(eventID, poller, d.clock,
		timer.WithWriter(d.relay),
		timer.WithExpire(func(_ context.Context, st models.TimerState) { report(st) }),
	)
	monitor := relay.NewMonitor(func(ctx context.Context) error {
		_, err := d.client.GetTimerState(ctx, eventID)
		return err
	}, d.clock, d.cfg.PollInterval)
	monitor.OnChange(client.SetOnline)
	d.relay.Follow(monitor)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for name, run := range map[string]func(context.Context) error{
		"relay":   d.relay.Run,
		"monitor": monitor.Run,
		"timer":   client.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil {
				log.Error().Err(err).Str("component", name).Msg("judge timer component stopped")
			}
		}()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	log.Info().Str("event_id", eventID).Msg("judge timer running")
	for {
		select {
		case <-runCtx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := timerCommand(runCtx, client, line); err != nil {
				if apperr.CodeOf(err) == apperr.CodeSyncFailure {
					log.Warn().Str("event_id", eventID).Msg("timer write buffered for replay")
				} else {
					log.Error().Err(err).Str("command", line).Msg("timer command failed")
					continue
				}
			}
			report(client.State())
		}
	}
}

// timerCommand applies one stdin command to the local countdown.
func timerCommand(ctx context.Context, c *timer.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "start":
		if len(fields) != 3 && len(fields) != 6 {
			return fmt.Errorf("usage: start <type> <seconds> [athlete discipline attempt]")
		}
		seconds, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("invalid seconds %q: %w", fields[2], err)
		}
		var slot timer.Slot
		if len(fields) == 6 {
			number, err := strconv.Atoi(fields[5])
			if err != nil {
				return fmt.Errorf("invalid attempt number %q: %w", fields[5], err)
			}
			slot = timer.Slot{AthleteID: fields[3], DisciplineID: fields[4], AttemptNumber: number}
		}
		return c.Start(ctx, models.TimerType(fields[1]), seconds, slot)
	case "pause":
		return c.Pause(ctx)
	case "resume":
		return c.Resume(ctx)
	case "reset":
		return c.Reset(ctx)
	case "state":
		return nil
	default:
		return fmt.Errorf("unknown timer command %q", fields[0])
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
