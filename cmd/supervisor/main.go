package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/pollbot/internal/config"
	"github.com/stupiduntilnot/pollbot/internal/db"
	"github.com/stupiduntilnot/pollbot/internal/logging"
)

// Worker exit codes with a meaning beyond "crashed".
const (
	workerStopped     = 0
	workerConfigError = 3
)

var errWorkerConfig = errors.New("worker reported a configuration error")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	bootLog := zerolog.New(stderr).With().Timestamp().Str("component", "supervisor").Logger()

	fs := flag.NewFlagSet("supervisor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("POLLBOT_CONFIG"), "YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		bootLog.Error().Err(err).Msg("dotenv")
		return 1
	}
	cfg, err := config.LoadSupervisorConfig(*configPath)
	if err != nil {
		bootLog.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	root, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}, stderr)
	if err != nil {
		bootLog.Error().Err(err).Msg("logger")
		return 1
	}
	defer closeLog()
	logger := logging.Component(root, "supervisor")

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		logger.Error().Err(err).Msg("open db")
		return 1
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		logger.Error().Err(err).Msg("init schema")
		return 1
	}

	s := newSupervisor(cfg, database, logger)
	err = s.loop(ctx)
	s.logStopped(err)
	if err != nil {
		logger.Error().Err(err).Msg("supervisor stopped")
		return 1
	}
	logger.Info().Msg("supervisor stopped")
	return 0
}

type supervisor struct {
	cfg      config.SupervisorConfig
	database *sql.DB
	logger   zerolog.Logger

	spawn func(ctx context.Context, instanceID string, parentEventID int64) (int, error)
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	eventID    int64
	crashTimes []time.Time
}

func newSupervisor(cfg config.SupervisorConfig, database *sql.DB, logger zerolog.Logger) *supervisor {
	s := &supervisor{
		cfg:      cfg,
		database: database,
		logger:   logger,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	s.spawn = s.spawnWorker
	return s
}

// loop restarts the worker until it exits 0, reports a configuration error,
// or ctx is done.
func (s *supervisor) loop(ctx context.Context) error {
	id, err := db.LogEvent(s.database, nil, db.EventProcessStarted, map[string]any{
		"role":       "supervisor",
		"pid":        os.Getpid(),
		"worker_bin": s.cfg.WorkerBin,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to log process.started")
	}
	s.eventID = id
	s.logger.Info().Str("worker", s.cfg.WorkerBin).Msg("running worker")

	for {
		instanceID, err := db.NextWorkerInstanceID(s.database)
		if err != nil {
			return fmt.Errorf("next worker instance id: %w", err)
		}
		spawnID, err := db.LogEvent(s.database, &s.eventID, db.EventWorkerSpawned, map[string]any{"instance": instanceID})
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to log worker.spawned")
		}

		log := s.logger.With().Str("instance", instanceID).Logger()
		log.Info().Msg("starting worker")
		startedAt := s.now()
		code, err := s.spawn(ctx, instanceID, spawnID)
		if err != nil {
			return fmt.Errorf("start worker %s: %w", s.cfg.WorkerBin, err)
		}
		exitedAt := s.now()
		uptime := exitedAt.Sub(startedAt)

		if _, err := db.LogEvent(s.database, &spawnID, db.EventWorkerExited, map[string]any{
			"instance":       instanceID,
			"exit_code":      code,
			"uptime_seconds": int(uptime.Seconds()),
		}); err != nil {
			log.Warn().Err(err).Msg("failed to log worker.exited")
		}

		switch code {
		case workerStopped:
			log.Info().Dur("uptime", uptime).Msg("worker stopped on request")
			return nil
		case workerConfigError:
			return errWorkerConfig
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Int("exit_code", code).Dur("uptime", uptime).Msg("worker exited; restarting")

		if s.recordExit(exitedAt, uptime) {
			reason := fmt.Sprintf("crash_loop threshold=%d window=%ds", s.cfg.CrashThreshold, s.cfg.CrashWindowSeconds)
			if err := db.SetState(s.database, "last_failure_reason", reason); err != nil {
				log.Warn().Err(err).Msg("failed to persist failure reason")
			}
			if _, err := db.LogEvent(s.database, &s.eventID, db.EventCrashLoopDetected, map[string]any{
				"threshold":       s.cfg.CrashThreshold,
				"window_seconds":  s.cfg.CrashWindowSeconds,
				"backoff_seconds": s.cfg.CrashBackoffSeconds,
			}); err != nil {
				log.Warn().Err(err).Msg("failed to log crash_loop.detected")
			}
			log.Error().Int("backoff_seconds", s.cfg.CrashBackoffSeconds).Msg("crash loop detected; backing off")
			if err := s.sleep(ctx, time.Duration(s.cfg.CrashBackoffSeconds)*time.Second); err != nil {
				return nil
			}
		}

		if err := s.sleep(ctx, time.Duration(s.cfg.RestartDelaySeconds)*time.Second); err != nil {
			return nil
		}
	}
}

// recordExit tracks short-lived runs and reports whether CrashThreshold of
// them fell within CrashWindowSeconds. A stable run clears the history.
func (s *supervisor) recordExit(now time.Time, uptime time.Duration) bool {
	if uptime >= time.Duration(s.cfg.StableRunSeconds)*time.Second {
		s.crashTimes = nil
		return false
	}
	s.crashTimes = append(s.crashTimes, now)
	window := time.Duration(s.cfg.CrashWindowSeconds) * time.Second
	filtered := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if now.Sub(t) <= window {
			filtered = append(filtered, t)
		}
	}
	s.crashTimes = filtered
	if len(s.crashTimes) >= s.cfg.CrashThreshold {
		s.crashTimes = nil
		return true
	}
	return false
}

func (s *supervisor) logStopped(err error) {
	payload := map[string]any{"role": "supervisor"}
	if err != nil {
		payload["error"] = err.Error()
	}
	if _, lerr := db.LogEvent(s.database, &s.eventID, db.EventProcessStopped, payload); lerr != nil {
		s.logger.Warn().Err(lerr).Msg("failed to log process.stopped")
	}
}

// spawnWorker runs the worker binary to completion and returns its exit
// code. A worker killed by a signal reports -1. Cancelling ctx sends SIGTERM.
func (s *supervisor) spawnWorker(ctx context.Context, instanceID string, parentEventID int64) (int, error) {
	cmd := exec.CommandContext(ctx, s.cfg.WorkerBin, s.cfg.WorkerArgs...)
	cmd.Env = append(os.Environ(),
		"WORKER_INSTANCE_ID="+instanceID,
		"PARENT_EVENT_ID="+strconv.FormatInt(parentEventID, 10),
	)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
