// Package history consumes the transcript paging REST endpoint. The core
// only reads it: pages are fetched when the user scrolls to the top.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

// LocalIDPrefix marks ids synthesized client-side (a brand-new session
// marker). No server history can exist before such an id, so paging is
// suppressed entirely.
const LocalIDPrefix = "local_"

// Client fetches reverse-chronological history pages. A circuit breaker
// keeps a flapping endpoint from hanging every scroll-back.
type Client struct {
	rest     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	pageSize int
	log      zerolog.Logger
}

type pageResponse struct {
	StatusCode int            `json:"status_code"`
	Data       []chat.Message `json:"data"`
}

// New creates a history client against the REST base URL.
func New(baseURL string, timeout time.Duration, pageSize int, log zerolog.Logger) *Client {
	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "history",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		rest:     rest,
		breaker:  breaker,
		pageSize: pageSize,
		log:      log.With().Str("component", "history-client").Logger(),
	}
}

// PageBefore fetches the page of messages older than beforeMessageID.
// The returned end flag is true once no older history exists. Local-only
// cursor ids short-circuit: a new session has nothing to page.
func (c *Client) PageBefore(ctx context.Context, flowID, chatID string, kind chat.FlowKind, beforeMessageID string) ([]chat.Message, bool, error) {
	if strings.HasPrefix(beforeMessageID, LocalIDPrefix) {
		return nil, true, nil
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		var page pageResponse
		resp, err := c.rest.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"flow_id":           flowID,
				"chat_id":           chatID,
				"flow_type":         string(kind),
				"before_message_id": beforeMessageID,
				"page_size":         fmt.Sprintf("%d", c.pageSize),
			}).
			SetResult(&page).
			// The gateway does not always label its JSON; without this
			// resty would skip unmarshaling and a 200 page would read as
			// empty, silently ending scroll-back.
			ForceContentType("application/json").
			Get("/api/v1/chat/history")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("history endpoint returned %s", resp.Status())
		}
		return page.Data, nil
	})
	metrics.HistoryPageDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("page history: %w", err)
	}

	msgs := result.([]chat.Message)
	if len(msgs) == 0 {
		return nil, true, nil
	}
	c.log.Debug().Str("chat_id", chatID).Int("count", len(msgs)).Msg("history page fetched")
	return msgs, false, nil
}
