package commander

import "context"

// API is the bot API surface used by the worker. *telegram.Client and
// *dummy.Commander implement it.
type API interface {
	GetMe(ctx context.Context) (Me, error)
	FetchUpdates(ctx context.Context, opts FetchOptions) ([]Update, error)
	SendMessage(ctx context.Context, opts SendOptions) error
}

// Me is the subset of the getMe result the worker cares about.
type Me struct {
	ID        int64
	Username  string
	FirstName string
}

// Update represents one inbound message notification.
type Update struct {
	UpdateID  int64
	ChatID    int64
	MessageID int64
	// Text is nil when the message carries no text (stickers, photos, ...).
	Text *string
}

// TextOrEmpty returns the message text or "" when absent.
func (u Update) TextOrEmpty() string {
	if u.Text == nil {
		return ""
	}
	return *u.Text
}

// FetchOptions are the optional getUpdates parameters. A nil field is left
// out of the request entirely so the server default applies.
type FetchOptions struct {
	Timeout *int64
	Offset  *int64
}

// SendOptions describe one sendMessage call.
type SendOptions struct {
	Text             string
	ChatID           int64
	ReplyToMessageID *int64
}

// Verdict tells the poller whether to keep going after an update.
type Verdict int

const (
	Continue Verdict = iota
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Handler processes a single update.
type Handler interface {
	Handle(ctx context.Context, update Update) (Verdict, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, update Update) (Verdict, error)

func (f HandlerFunc) Handle(ctx context.Context, update Update) (Verdict, error) {
	return f(ctx, update)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
