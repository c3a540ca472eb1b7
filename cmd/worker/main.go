package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	cmdpkg "github.com/stupiduntilnot/pollbot/internal/commander"
	"github.com/stupiduntilnot/pollbot/internal/admin"
	"github.com/stupiduntilnot/pollbot/internal/config"
	"github.com/stupiduntilnot/pollbot/internal/db"
	"github.com/stupiduntilnot/pollbot/internal/dispatcher"
	"github.com/stupiduntilnot/pollbot/internal/dummy"
	"github.com/stupiduntilnot/pollbot/internal/logging"
	"github.com/stupiduntilnot/pollbot/internal/metrics"
	"github.com/stupiduntilnot/pollbot/internal/offset"
	"github.com/stupiduntilnot/pollbot/internal/poller"
	"github.com/stupiduntilnot/pollbot/internal/telegram"
	"github.com/stupiduntilnot/pollbot/internal/weather"
)

// Exit codes understood by the supervisor.
const (
	exitStopped     = 0
	exitError       = 1
	exitCrash       = 2
	exitConfigError = 3
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type flags struct {
	configPath string
	envFile    string
	check      bool
	once       bool
	overrides  config.Overrides
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", os.Getenv("POLLBOT_CONFIG"), "YAML config file")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	fs.BoolVar(&f.check, "check", false, "call getMe and exit")
	fs.BoolVar(&f.once, "once", false, "run a single poll round and exit")
	botKey := fs.String("bot-key", "", "bot key (overrides POLLBOT_BOT_KEY)")
	endpoint := fs.String("endpoint", "", "Bot API endpoint (overrides POLLBOT_ENDPOINT)")
	offsetFile := fs.String("offset-file", "", "offset checkpoint file (overrides POLLBOT_OFFSET_FILE)")
	timeout := fs.Int64("timeout", 0, "long-poll timeout seconds, negative omits it (overrides POLLBOT_TIMEOUT)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "bot-key":
			f.overrides.BotKey = botKey
		case "endpoint":
			f.overrides.Endpoint = endpoint
		case "offset-file":
			f.overrides.OffsetFile = offsetFile
		case "timeout":
			f.overrides.PollTimeout = timeout
		}
	})
	return f, nil
}

// run wires the worker and returns its exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	bootLog := zerolog.New(stderr).With().Timestamp().Str("component", "worker").Logger()

	f, err := parseFlags(args, stderr)
	if err != nil {
		return exitConfigError
	}
	if err := config.LoadDotEnv(f.envFile); err != nil {
		bootLog.Error().Err(err).Msg("dotenv")
		return exitConfigError
	}
	cfg, err := config.LoadWorkerConfig(f.configPath, f.overrides)
	if err != nil {
		bootLog.Error().Err(err).Msg("invalid configuration")
		return exitConfigError
	}
	root, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}, stderr)
	if err != nil {
		bootLog.Error().Err(err).Msg("logger")
		return exitConfigError
	}
	defer closeLog()
	logger := logging.Component(root, "worker").With().Str("instance", cfg.WorkerInstanceID).Logger()

	api, err := newAPI(&cfg, root)
	if err != nil {
		logger.Error().Err(err).Msg("failed to init commander")
		return exitConfigError
	}

	if f.check {
		me, err := api.GetMe(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("getMe failed")
			return exitError
		}
		fmt.Fprintf(stdout, "ok id=%d username=%s\n", me.ID, me.Username)
		return exitStopped
	}

	metrics.MustRegister()

	var database *sql.DB
	if cfg.DBPath != "" {
		database, err = db.OpenDB(cfg.DBPath)
		if err != nil {
			logger.Error().Err(err).Msg("open db")
			return exitError
		}
		defer database.Close()
		if err := db.InitSchema(database); err != nil {
			logger.Error().Err(err).Msg("init schema")
			return exitError
		}
	}
	events := newEventLog(database, cfg.ParentEventID, logger)
	events.start(map[string]any{
		"role":      "worker",
		"pid":       os.Getpid(),
		"instance":  cfg.WorkerInstanceID,
		"commander": cfg.Commander,
		"backend":   cfg.OffsetBackend,
	})

	store, closeStore, err := newOffsetStore(ctx, &cfg, database, root)
	if err != nil {
		logger.Error().Err(err).Msg("offset store")
		events.stop(exitConfigError, err)
		return exitConfigError
	}
	defer closeStore()

	var dispatchOpts []dispatcher.Option
	dispatchOpts = append(dispatchOpts, dispatcher.WithLogger(logging.Component(root, "dispatcher")))
	if cfg.WeatherAPIKey != "" {
		var where *weather.Location
		if cfg.WeatherLat != nil && cfg.WeatherLon != nil {
			where = &weather.Location{Lat: *cfg.WeatherLat, Lon: *cfg.WeatherLon}
		}
		forecaster := weather.NewBreaker(
			weather.NewYandexForecaster(cfg.WeatherAPIKey, cfg.WeatherEndpoint,
				weather.WithLogger(logging.Component(root, "weather"))),
			3, time.Minute)
		dispatchOpts = append(dispatchOpts, dispatcher.WithForecaster(forecaster, where))
	}

	p := &poller.Poller{
		API:     api,
		Store:   store,
		Key:     cfg.OffsetStoreKey(),
		Timeout: cfg.PollTimeoutParam(),
		Handler: dispatcher.New(api, dispatchOpts...),
		Logger:  logging.Component(root, "poller"),
		OnEvent: events.record,
	}

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, func() map[string]any {
			return map[string]any{"instance": cfg.WorkerInstanceID}
		}, logging.Component(root, "admin"))
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("admin server")
			events.stop(exitConfigError, err)
			return exitConfigError
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bot_key", logging.Redact(cfg.BotKey)).
		Str("offset_key", cfg.OffsetStoreKey()).
		Bool("once", f.once).
		Msg("worker started")

	if f.once {
		_, err = p.PollOnce(ctx)
	} else {
		err = p.Run(ctx)
	}
	code := exitCode(err)
	switch code {
	case exitStopped:
		logger.Info().Int64("offset", p.Offset()).Msg("worker stopped")
	case exitCrash:
		logger.Warn().Int64("offset", p.Offset()).Msg("crash requested")
	default:
		logger.Error().Err(err).Int64("offset", p.Offset()).Msg("worker failed")
	}
	events.stop(code, err)
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitStopped
	case errors.Is(err, dispatcher.ErrCrashRequested):
		return exitCrash
	default:
		return exitError
	}
}

func newAPI(cfg *config.WorkerConfig, root zerolog.Logger) (cmdpkg.API, error) {
	switch cfg.Commander {
	case "dummy":
		return dummy.NewCommander(cfg.DummyPollScript, cfg.DummySendScript)
	default:
		return telegram.NewClient(cfg.Endpoint, cfg.BotKey,
			telegram.WithSendRate(cfg.SendRate, cfg.SendBurst),
			telegram.WithLogger(logging.Component(root, "telegram")),
		), nil
	}
}

// newOffsetStore opens the configured backend. The returned close func is
// always safe to call.
func newOffsetStore(ctx context.Context, cfg *config.WorkerConfig, database *sql.DB, root zerolog.Logger) (offset.Store, func(), error) {
	logger := logging.Component(root, "offset")
	noop := func() {}
	switch cfg.OffsetBackend {
	case offset.BackendSQLite:
		if database == nil {
			return nil, noop, errors.New("sqlite offset backend needs POLLBOT_DB_PATH")
		}
		return offset.NewSQLiteStore(database), noop, nil
	case offset.BackendRedis:
		client, err := offset.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		return offset.NewRedisStore(client, logger), func() { _ = client.Close() }, nil
	default:
		return offset.NewFileStore(logger), noop, nil
	}
}

// eventLog writes worker lifecycle events when an events DB is configured.
type eventLog struct {
	database *sql.DB
	parentID *int64
	startID  *int64
	logger   zerolog.Logger
}

func newEventLog(database *sql.DB, parentEventID int64, logger zerolog.Logger) *eventLog {
	e := &eventLog{database: database, logger: logger}
	if parentEventID > 0 {
		e.parentID = &parentEventID
	}
	return e
}

func (e *eventLog) start(payload map[string]any) {
	if e.database == nil {
		return
	}
	id, err := db.LogEvent(e.database, e.parentID, db.EventProcessStarted, payload)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to log process.started")
		return
	}
	e.startID = &id
}

func (e *eventLog) record(eventType string, payload map[string]any) {
	if e.database == nil {
		return
	}
	if _, err := db.LogEvent(e.database, e.startID, eventType, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("failed to log event")
	}
}

func (e *eventLog) stop(code int, err error) {
	payload := map[string]any{"exit_code": code}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.record(db.EventProcessStopped, payload)
}
