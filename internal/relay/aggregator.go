package relay

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PartialUpdate is the subset of a MessageUpdate gateway event the
// Aggregator needs to reconcile against its dedup cache.
type PartialUpdate struct {
	ID              string
	ChannelID       string
	EditedTimestamp time.Time
	Content         string
}

// AggregatorInput is one observation submitted by a Bot's gateway listener:
// either a Complete full message or a Partial update, tagged with the
// observing member and the event's own timestamp.
type AggregatorInput struct {
	Timestamp time.Time
	Observer  MemberID
	Partial   *PartialUpdate
	Complete  *discordgo.Message
}

type dedupEntry struct {
	msg       *discordgo.Message
	effective time.Time
	observer  MemberID
}

// Aggregator deduplicates events observed by multiple bots for the same
// underlying reference-user action and reconciles partial edit events
// against cached originals, emitting canonical NewMessage events to the
// Manager. One per system; owns its dedup cache exclusively.
type Aggregator struct {
	cache *lru.Cache[string, dedupEntry]
	in    chan AggregatorInput
	out   chan<- SystemEvent
}

// NewAggregator creates an Aggregator whose dedup cache holds size entries
// (spec.md §3/§9: sized proportional to member count, not traffic).
func NewAggregator(size int, out chan<- SystemEvent) (*Aggregator, error) {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[string, dedupEntry](size)
	if err != nil {
		return nil, err
	}
	return &Aggregator{cache: cache, in: make(chan AggregatorInput, 100), out: out}, nil
}

// Submit enqueues an observation. Safe to call from any Bot's goroutine.
func (a *Aggregator) Submit(ctx context.Context, in AggregatorInput) {
	select {
	case a.in <- in:
	case <-ctx.Done():
	}
}

// Run consumes submitted observations until ctx is canceled. Single
// long-lived task, per spec.md §4.2.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-a.in:
			a.process(in)
		}
	}
}

func (a *Aggregator) process(in AggregatorInput) {
	if in.Partial != nil {
		cached, ok := a.cache.Get(in.Partial.ID)
		if !ok {
			a.emit(SystemEvent{
				EventKind: EventRefetchMessage,
				Observer:  in.Observer,
				ChannelID: in.Partial.ChannelID,
				MessageID: in.Partial.ID,
			})
			return
		}

		updated := cloneMessage(cached.msg)
		ts := in.Partial.EditedTimestamp
		updated.EditedTimestamp = &ts
		updated.Content = in.Partial.Content

		a.process(AggregatorInput{
			Timestamp: ts,
			Observer:  cached.observer,
			Complete:  updated,
		})
		return
	}

	full := in.Complete
	effective := effectiveTimestamp(full)

	if cached, ok := a.cache.Get(full.ID); ok && !effective.After(cached.effective) {
		return
	}

	a.cache.Add(full.ID, dedupEntry{msg: full, effective: effective, observer: in.Observer})
	a.emit(SystemEvent{
		EventKind: EventNewMessage,
		Timestamp: in.Timestamp,
		Message:   full,
		Observer:  in.Observer,
	})
}

func (a *Aggregator) emit(ev SystemEvent) {
	a.out <- ev
}
