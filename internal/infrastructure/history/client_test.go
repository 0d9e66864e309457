package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

func TestPageBefore_FetchesPage(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"flow_id":           q.Get("flow_id"),
			"chat_id":           q.Get("chat_id"),
			"flow_type":         q.Get("flow_type"),
			"before_message_id": q.Get("before_message_id"),
			"page_size":         q.Get("page_size"),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status_code": 200,
			"data": []map[string]any{
				{"id": "m-9", "category": "answer", "message": "newer"},
				{"id": "m-8", "category": "question", "message": "older"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	msgs, end, err := c.PageBefore(context.Background(), "f1", "c1", chat.KindAssistant, "m-10")
	require.NoError(t, err)
	assert.False(t, end)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-9", msgs[0].ID)
	assert.Equal(t, "newer", msgs[0].Text)

	assert.Equal(t, "f1", gotQuery["flow_id"])
	assert.Equal(t, "c1", gotQuery["chat_id"])
	assert.Equal(t, "assistant", gotQuery["flow_type"])
	assert.Equal(t, "m-10", gotQuery["before_message_id"])
	assert.Equal(t, "30", gotQuery["page_size"])
}

func TestPageBefore_UnlabeledJSONStillDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Type header: the page must still decode rather than
		// read as empty and end paging.
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"status_code": 200, "data": [{"id": "m-5", "category": "answer", "message": "hi"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	msgs, end, err := c.PageBefore(context.Background(), "f1", "c1", chat.KindAssistant, "m-6")
	require.NoError(t, err)
	assert.False(t, end)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-5", msgs[0].ID)
}

func TestPageBefore_EmptyPageMeansEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status_code": 200, "data": []any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	msgs, end, err := c.PageBefore(context.Background(), "f1", "c1", chat.KindSkill, "m-1")
	require.NoError(t, err)
	assert.True(t, end)
	assert.Empty(t, msgs)
}

func TestPageBefore_LocalCursorShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("a local cursor must never hit the endpoint")
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	msgs, end, err := c.PageBefore(context.Background(), "f1", "c1", chat.KindWorkflow, LocalIDPrefix+"abc")
	require.NoError(t, err)
	assert.True(t, end)
	assert.Empty(t, msgs)
}

func TestPageBefore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	_, _, err := c.PageBefore(context.Background(), "f1", "c1", chat.KindSkill, "m-1")
	assert.Error(t, err)
}

func TestPageBefore_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second, 30, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _, _ = c.PageBefore(ctx, "f1", "c1", chat.KindSkill, "m-1")
	}

	before := hits.Load()
	_, _, err := c.PageBefore(ctx, "f1", "c1", chat.KindSkill, "m-1")
	assert.Error(t, err)
	assert.Equal(t, before, hits.Load(), "an open breaker must not reach the endpoint")
}
