package dummy

import (
	"context"
	"errors"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/pollbot/internal/commander"
)

func TestNewCommander_InvalidScript(t *testing.T) {
	if _, err := NewCommander("boom", "ok"); err == nil {
		t.Fatal("expected parse error for invalid poll script")
	}
	if _, err := NewCommander("ok", "msg"); err == nil {
		t.Fatal("expected parse error for invalid send script")
	}
}

func TestCommander_MsgAction(t *testing.T) {
	c, err := NewCommander("msg:test-msg", "ok")
	if err != nil {
		t.Fatal(err)
	}
	updates, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Text == nil {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	if *updates[0].Text != "test-msg" {
		t.Fatalf("expected test-msg, got %q", *updates[0].Text)
	}
	if updates[0].ChatID != ChatID || updates[0].UpdateID != 1 || updates[0].MessageID != 1 {
		t.Fatalf("unexpected ids: %+v", updates[0])
	}
}

func TestCommander_MsgB64Action(t *testing.T) {
	c, err := NewCommander("msgb64:L3N0b3A=", "ok") // "/stop"
	if err != nil {
		t.Fatal(err)
	}
	updates, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := updates[0].TextOrEmpty(); got != "/stop" {
		t.Fatalf("expected /stop, got %q", got)
	}
}

func TestCommander_UpdateIDsFollowOffset(t *testing.T) {
	c, err := NewCommander("msg:a,ok,msg:b", "ok")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, _ := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Offset: cmdpkg.Int64(41)})
	if first[0].UpdateID != 41 {
		t.Fatalf("expected id 41, got %d", first[0].UpdateID)
	}
	empty, _ := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Offset: cmdpkg.Int64(42)})
	if len(empty) != 0 {
		t.Fatalf("expected empty batch, got %+v", empty)
	}
	second, _ := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Offset: cmdpkg.Int64(42)})
	if second[0].UpdateID != 42 {
		t.Fatalf("expected id 42, got %d", second[0].UpdateID)
	}
	if n := len(c.Fetches()); n != 3 {
		t.Fatalf("expected 3 recorded fetches, got %d", n)
	}
}

func TestCommander_ErrorAndLastActionRepeats(t *testing.T) {
	c, err := NewCommander("err:network", "ok")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		_, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
		var se *ScriptError
		if !errors.As(err, &se) || se.Class != "network" || se.Op != "fetch" {
			t.Fatalf("call %d: unexpected err %v", i, err)
		}
	}
}

func TestCommander_SendRecordsAndFails(t *testing.T) {
	c, err := NewCommander("ok", "ok,err:")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.SendMessage(ctx, cmdpkg.SendOptions{Text: "one", ChatID: ChatID}); err != nil {
		t.Fatal(err)
	}
	err = c.SendMessage(ctx, cmdpkg.SendOptions{Text: "two", ChatID: ChatID, ReplyToMessageID: cmdpkg.Int64(3)})
	var se *ScriptError
	if !errors.As(err, &se) || se.Class != "command_source_api" {
		t.Fatalf("expected default class, got %v", err)
	}

	sent := c.Sent()
	if len(sent) != 2 || sent[0].Text != "one" || sent[1].Text != "two" {
		t.Fatalf("unexpected sent: %+v", sent)
	}
}

func TestCommander_SleepHonorsContext(t *testing.T) {
	c, err := NewCommander("sleep:60000", "ok")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.FetchUpdates(ctx, cmdpkg.FetchOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}

func TestCommander_GetMe(t *testing.T) {
	c, err := NewCommander("", "")
	if err != nil {
		t.Fatal(err)
	}
	me, err := c.GetMe(context.Background())
	if err != nil || me.Username != "dummy_bot" {
		t.Fatalf("unexpected getMe: %+v %v", me, err)
	}
}
