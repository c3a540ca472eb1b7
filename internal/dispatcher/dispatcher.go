// Package dispatcher maps inbound message text to a bot reply.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/pollbot/internal/commander"
	"github.com/stupiduntilnot/pollbot/internal/metrics"
	"github.com/stupiduntilnot/pollbot/internal/weather"
)

// ErrCrashRequested is returned after answering /crash. The worker turns it
// into a non-zero exit so the supervisor restarts the process.
var ErrCrashRequested = errors.New("crash requested")

const (
	ReplyWinter  = "Winter Is Coming"
	ReplyStopped = "Bot stopped"
	ReplyCrash   = "abort"
	ReplyUnknown = "I am not ChatGPT, I don't know commands like that. Send /help to see what I can do."
)

const helpText = "/random - reply with a random number.\n" +
	"/weather - current weather, or Winter Is Coming when no forecaster is configured.\n" +
	"/styleguide - a joke about code review (almost).\n" +
	"/stop - stop the bot gracefully.\n" +
	"/crash - stop the bot with an error.\n"

var jokes = []string{
	"There could have been a joke about code review here.\n" +
		"But some topics are too intimate to joke about.",
	"Not a code review joke, but still funny:\n" +
		"eat grapes long enough and you start eating raisins.",
}

// Sender is the part of commander.API the dispatcher needs.
type Sender interface {
	SendMessage(ctx context.Context, opts commander.SendOptions) error
}

// Dispatcher answers commands. It implements commander.Handler.
type Dispatcher struct {
	sender     Sender
	forecaster weather.Forecaster
	location   *weather.Location
	random     func() uint32
	logger     zerolog.Logger
}

var _ commander.Handler = (*Dispatcher)(nil)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithForecaster makes /weather report real conditions at where (nil lets
// the provider decide).
func WithForecaster(f weather.Forecaster, where *weather.Location) Option {
	return func(d *Dispatcher) {
		d.forecaster = f
		d.location = where
	}
}

// WithRandom replaces the random source used by /random and /styleguide.
func WithRandom(fn func() uint32) Option {
	return func(d *Dispatcher) { d.random = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher replying through sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		random: rand.Uint32,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Command extracts the command word from message text: the first token,
// without any "@botname" suffix. Returns "" for empty text.
func Command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd
}

// Handle answers one update in its chat, replying to the message.
func (d *Dispatcher) Handle(ctx context.Context, u commander.Update) (commander.Verdict, error) {
	cmd := Command(u.TextOrEmpty())
	log := d.logger.With().
		Int64("update_id", u.UpdateID).
		Int64("chat_id", u.ChatID).
		Str("command", cmd).
		Logger()

	var (
		reply   string
		verdict = commander.Continue
		result  error
	)
	switch cmd {
	case "/random":
		reply = strconv.FormatUint(uint64(d.random()), 10)
	case "/weather":
		reply = d.weatherReply(ctx, log)
	case "/styleguide":
		reply = jokes[int(d.random()%uint32(len(jokes)))]
	case "/help":
		reply = helpText
	case "/stop":
		reply = ReplyStopped
		verdict = commander.Stop
	case "/crash":
		reply = ReplyCrash
		result = ErrCrashRequested
	default:
		cmd = "unknown"
		reply = ReplyUnknown
	}
	metrics.IncCommand(cmd)
	log.Info().Str("verdict", verdict.String()).Msg("command")

	err := d.sender.SendMessage(ctx, commander.SendOptions{
		Text:             reply,
		ChatID:           u.ChatID,
		ReplyToMessageID: commander.Int64(u.MessageID),
	})
	if err != nil {
		return commander.Continue, fmt.Errorf("reply to %s: %w", cmd, err)
	}
	return verdict, result
}

func (d *Dispatcher) weatherReply(ctx context.Context, log zerolog.Logger) string {
	if d.forecaster == nil {
		return ReplyWinter
	}
	forecast, err := d.forecaster.ForecastWeather(ctx, d.location)
	if err != nil {
		log.Warn().Err(err).Msg("forecast failed")
		return ReplyWinter
	}
	return forecast.String()
}
