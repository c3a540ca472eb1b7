// Package poller runs the getUpdates long-poll loop with a durable offset
// checkpoint.
//
// Each non-empty batch advances the offset to last.UpdateID+1 and persists
// it before any update in the batch is dispatched. A crash mid-batch
// therefore resumes after that batch: delivery is at-most-once per batch.
// Fetch, store and handler errors are returned as-is; there is no retry,
// the process supervisor restarts the worker.
package poller

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/pollbot/internal/commander"
	"github.com/stupiduntilnot/pollbot/internal/db"
	"github.com/stupiduntilnot/pollbot/internal/metrics"
	"github.com/stupiduntilnot/pollbot/internal/offset"
)

// Poller is single-threaded: one fetch in flight, updates handled in order.
type Poller struct {
	API     commander.API
	Store   offset.Store
	Key     string
	Timeout *int64
	Handler commander.Handler
	Logger  zerolog.Logger

	// OnEvent, when set, receives db.EventBatchFetched, db.EventStopRequested and
	// db.EventOffsetStored with their payloads.
	OnEvent func(eventType string, payload map[string]any)

	// NewBatchID overrides uuid.NewString, for tests.
	NewBatchID func() string

	offset int64
	loaded bool
}

// Offset returns the offset the next fetch will use.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Load reads the checkpoint. Run and PollOnce call it on first use.
func (p *Poller) Load(ctx context.Context) error {
	v, err := p.Store.Load(ctx, p.Key)
	if err != nil {
		return fmt.Errorf("load offset %q: %w", p.Key, err)
	}
	p.offset = v
	p.loaded = true
	p.Logger.Info().Int64("offset", v).Msg("offset loaded")
	return nil
}

// Run polls until a handler returns commander.Stop (nil error), an error
// occurs, or ctx is done (ctx.Err()).
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		verdict, err := p.PollOnce(ctx)
		if err != nil {
			return err
		}
		if verdict == commander.Stop {
			return nil
		}
	}
}

// PollOnce performs one fetch and, for a non-empty batch, checkpoints the
// new offset and dispatches the batch.
func (p *Poller) PollOnce(ctx context.Context) (commander.Verdict, error) {
	if !p.loaded {
		if err := p.Load(ctx); err != nil {
			return commander.Continue, err
		}
	}

	opts := commander.FetchOptions{Timeout: p.Timeout}
	// The server treats a missing offset like offset 0.
	if p.offset != 0 {
		opts.Offset = commander.Int64(p.offset)
	}
	updates, err := p.API.FetchUpdates(ctx, opts)
	if err != nil {
		return commander.Continue, fmt.Errorf("fetch updates (offset %d): %w", p.offset, err)
	}
	metrics.ObserveBatch(len(updates))
	if len(updates) == 0 {
		return commander.Continue, nil
	}

	batchID := p.batchID()
	first, last := updates[0].UpdateID, updates[len(updates)-1].UpdateID
	log := p.Logger.With().Str("batch_id", batchID).Logger()
	log.Info().
		Int("size", len(updates)).
		Int64("first_update_id", first).
		Int64("last_update_id", last).
		Msg("batch fetched")
	p.emit(db.EventBatchFetched, map[string]any{
		"batch_id":        batchID,
		"size":            len(updates),
		"first_update_id": first,
		"last_update_id":  last,
	})

	if next := last + 1; next > p.offset {
		err := p.Store.Store(ctx, p.Key, next)
		metrics.ObserveOffsetStore(next, err)
		if err != nil {
			return commander.Continue, fmt.Errorf("store offset %d: %w", next, err)
		}
		p.offset = next
		log.Debug().Int64("offset", next).Msg("offset stored")
		p.emit(db.EventOffsetStored, map[string]any{"batch_id": batchID, "offset": next})
	} else {
		log.Warn().
			Int64("offset", p.offset).
			Int64("last_update_id", last).
			Msg("batch below current offset, checkpoint unchanged")
	}

	for _, u := range updates {
		verdict, err := p.Handler.Handle(ctx, u)
		if err != nil {
			return commander.Continue, fmt.Errorf("handle update %d: %w", u.UpdateID, err)
		}
		if verdict == commander.Stop {
			log.Info().Int64("update_id", u.UpdateID).Msg("stop requested")
			p.emit(db.EventStopRequested, map[string]any{"batch_id": batchID, "update_id": u.UpdateID})
			return commander.Stop, nil
		}
	}
	return commander.Continue, nil
}

func (p *Poller) batchID() string {
	if p.NewBatchID != nil {
		return p.NewBatchID()
	}
	return uuid.NewString()
}

func (p *Poller) emit(eventType string, payload map[string]any) {
	if p.OnEvent != nil {
		p.OnEvent(eventType, payload)
	}
}
