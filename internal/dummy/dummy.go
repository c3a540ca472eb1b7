// Package dummy provides a scripted commander.API for offline runs and
// end-to-end tests of the worker and supervisor.
//
// A script is a comma-separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	ok            empty batch / successful send
//	err:<class>   failure tagged with class
//	sleep:<ms>    wait, then behave like ok
//	msg:<text>    one update carrying text (fetch only)
//	msgb64:<b64>  like msg, text is base64 encoded
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/pollbot/internal/commander"
)

// ChatID is the chat every scripted update comes from.
const ChatID int64 = 1

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		matched := false
		for _, kind := range []string{"err", "sleep", "msg", "msgb64"} {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// ScriptError is returned for err:<class> actions.
type ScriptError struct {
	Op    string
	Class string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("dummy %s error class=%s", e.Op, e.Class)
}

// Commander is a scripted commander.API. It is safe for concurrent use.
type Commander struct {
	mu        sync.Mutex
	poll      *scriptRunner
	send      *scriptRunner
	updateID  int64
	messageID int64
	fetches   []cmdpkg.FetchOptions
	sent      []cmdpkg.SendOptions
}

var _ cmdpkg.API = (*Commander)(nil)

// NewCommander parses the fetch and send scripts.
func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, fmt.Errorf("poll script: %w", err)
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, fmt.Errorf("send script: %w", err)
	}
	return &Commander{poll: poll, send: send}, nil
}

// GetMe always succeeds.
func (c *Commander) GetMe(ctx context.Context) (cmdpkg.Me, error) {
	return cmdpkg.Me{ID: 1, Username: "dummy_bot", FirstName: "Dummy"}, nil
}

// FetchUpdates plays the next poll action. Scripted update ids start at the
// requested offset when one is given, so a restarted worker sees ids that
// continue from its checkpoint.
func (c *Commander) FetchUpdates(ctx context.Context, opts cmdpkg.FetchOptions) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	c.fetches = append(c.fetches, opts)
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, &ScriptError{Op: "fetch", Class: emptyAs(a.arg, "command_source_api")}
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg":
		return c.update(opts, a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy msgb64 decode failed: %w", err)
		}
		return c.update(opts, string(raw)), nil
	default:
		return nil, nil
	}
}

func (c *Commander) update(opts cmdpkg.FetchOptions, text string) []cmdpkg.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.Offset != nil && *opts.Offset > c.updateID {
		c.updateID = *opts.Offset
	} else {
		c.updateID++
	}
	c.messageID++
	return []cmdpkg.Update{{
		UpdateID:  c.updateID,
		ChatID:    ChatID,
		MessageID: c.messageID,
		Text:      &text,
	}}
}

// SendMessage records the message and plays the next send action.
func (c *Commander) SendMessage(ctx context.Context, opts cmdpkg.SendOptions) error {
	c.mu.Lock()
	c.sent = append(c.sent, opts)
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return &ScriptError{Op: "send", Class: emptyAs(a.arg, "command_source_api")}
	case "sleep":
		return sleep(ctx, a.arg)
	default:
		return nil
	}
}

// Sent returns a copy of every recorded send.
func (c *Commander) Sent() []cmdpkg.SendOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cmdpkg.SendOptions, len(c.sent))
	copy(out, c.sent)
	return out
}

// Fetches returns a copy of the options of every fetch.
func (c *Commander) Fetches() []cmdpkg.FetchOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cmdpkg.FetchOptions, len(c.fetches))
	copy(out, c.fetches)
	return out
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
