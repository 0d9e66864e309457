package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/runstate"
)

// mapStore is a minimal Store for routing tests.
type mapStore struct {
	convs map[string]*Conversation
}

func newMapStore(convs ...*Conversation) *mapStore {
	s := &mapStore{convs: make(map[string]*Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *mapStore) Register(ctx context.Context, conv *Conversation) error {
	s.convs[conv.ID] = conv
	return nil
}

func (s *mapStore) Get(ctx context.Context, id string) (*Conversation, error) {
	if c, ok := s.convs[id]; ok {
		return c, nil
	}
	return nil, errors.New("conversation not found")
}

func (s *mapStore) List(ctx context.Context) ([]*Conversation, error) {
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	return out, nil
}

func (s *mapStore) Evict(ctx context.Context, id string) error {
	delete(s.convs, id)
	return nil
}


func TestHub_HandleEventRoutesToConversation(t *testing.T) {
	conv := New("c1", "f1", chat.KindAssistant, false, 16)
	conv.Start(context.Background())
	defer conv.Stop()

	hub := NewHub(newMapStore(conv), zerolog.Nop())
	hub.HandleEvent("c1", chat.Event{Category: chat.CategoryAnswer, Phase: chat.PhaseStream, Text: "hi"})

	waitFor(t, func() bool { return len(conv.Messages()) == 1 })
	assert.Equal(t, "hi", conv.Messages()[0].Text)
}

func TestHub_HandleEventUnknownConversation(t *testing.T) {
	hub := NewHub(newMapStore(), zerolog.Nop())
	// Must not panic or block.
	hub.HandleEvent("ghost", chat.Event{Category: chat.CategoryAnswer})
}

func TestHub_HandleClosedMarksErrored(t *testing.T) {
	conv := New("c1", "f1", chat.KindAssistant, false, 4)
	sub := conv.Subscribe()

	hub := NewHub(newMapStore(conv), zerolog.Nop())
	hub.HandleClosed("c1", "abnormal closure")

	st := conv.Machine().Status()
	assert.Equal(t, runstate.PhaseErrored, st.Phase)
	assert.Equal(t, "abnormal closure", st.Error)

	select {
	case snap := <-sub:
		assert.Equal(t, runstate.PhaseErrored, snap.Status.Phase)
	case <-time.After(time.Second):
		t.Fatal("close was not published to observers")
	}
}

func TestHub_SetSenderBindsAll(t *testing.T) {
	c1 := New("c1", "f1", chat.KindWorkflow, true, 4)
	c2 := New("c2", "f1", chat.KindWorkflow, true, 4)
	hub := NewHub(newMapStore(c1, c2), zerolog.Nop())

	sender := &captureSender{}
	hub.SetSender(sender)

	for _, c := range []*Conversation{c1, c2} {
		c.mu.RLock()
		bound := c.sender
		c.mu.RUnlock()
		require.NotNil(t, bound)
	}
}

func TestHub_HandleOpenBindsLateConversation(t *testing.T) {
	store := newMapStore()
	hub := NewHub(store, zerolog.Nop())
	sender := &captureSender{}
	hub.SetSender(sender)

	// Registered after the sender was set; HandleOpen picks it up.
	late := New("c3", "f1", chat.KindWorkflow, true, 4)
	require.NoError(t, store.Register(context.Background(), late))
	hub.HandleOpen("c3")

	late.mu.RLock()
	bound := late.sender
	late.mu.RUnlock()
	require.NotNil(t, bound)
}
