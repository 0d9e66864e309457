package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Janitor sweeps the directory for conversations that were marked for
// eviction while a turn was still streaming: once they go idle, their
// socket is closed and the entry removed.
type Janitor struct {
	store    *MemoryStore
	closer   func(convID string)
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	deferred  map[string]struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewJanitor creates a sweeper over the store. closer tears down the
// gateway connection for an id before the entry is dropped.
func NewJanitor(store *MemoryStore, closer func(convID string), interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		closer:   closer,
		interval: interval,
		log:      log.With().Str("component", "session-janitor").Logger(),
		deferred: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Defer marks a conversation for eviction once it stops running.
func (j *Janitor) Defer(convID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deferred[convID] = struct{}{}
}

// Evict is the eviction entry point: the conversation goes now when
// idle, or is deferred until its in-flight turn closes. The socket is
// only torn down when the eviction actually happens.
func (j *Janitor) Evict(ctx context.Context, convID string) error {
	err := j.tryEvict(ctx, convID)
	if errors.Is(err, ErrConversationRunning) {
		j.Defer(convID)
		j.log.Debug().Str("chat_id", convID).Msg("eviction deferred, conversation running")
		return nil
	}
	return err
}

// tryEvict closes the conversation's socket and removes the entry,
// unless a turn is still in flight.
func (j *Janitor) tryEvict(ctx context.Context, convID string) error {
	conv, err := j.store.Get(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Running() {
		return ErrConversationRunning
	}
	if j.closer != nil {
		j.closer(convID)
	}
	return j.store.Evict(ctx, convID)
}

// Start begins the sweep loop in background. Safe to call multiple times.
func (j *Janitor) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.run(ctx)
		j.log.Info().Msg("session janitor started")
	})
}

// Stop gracefully shuts the sweeper down. Safe to call multiple times.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		j.log.Info().Msg("session janitor stopped")
	})
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	j.mu.Lock()
	pending := make([]string, 0, len(j.deferred))
	for id := range j.deferred {
		pending = append(pending, id)
	}
	j.mu.Unlock()

	for _, id := range pending {
		switch err := j.tryEvict(ctx, id); {
		case errors.Is(err, ErrConversationRunning):
			// Still streaming; try again next tick.
		case errors.Is(err, ErrConversationNotFound):
			j.forget(id)
		case err != nil:
			j.log.Warn().Err(err).Str("chat_id", id).Msg("deferred eviction failed")
		default:
			j.forget(id)
		}
	}
}

func (j *Janitor) forget(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.deferred, id)
}
