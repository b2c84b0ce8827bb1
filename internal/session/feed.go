package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// ChangeSource yields the durable store's change feed. after < 0 asks for
// the current head only.
type ChangeSource interface {
	Changes(ctx context.Context, after int64, wait time.Duration) ([]domain.Change, int64, error)
}

// HTTPStore reaches the durable store through the relay's REST API. It is
// both the outbound fallback channel and the change-feed source.
type HTTPStore struct {
	BaseURL string // e.g. http://localhost:8080/api/v1
	UserID  string
	Client  *http.Client
}

// StatusError is a non-2xx answer from the REST API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

func (s *HTTPStore) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// Insert posts m to its chat and replaces m with the server's stored copy.
// An already stored ID counts as success.
func (s *HTTPStore) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"messageId": m.ID,
		"content":   m.Content,
		"timestamp": m.Timestamp,
		"type":      m.Type,
		"replyTo":   m.ReplyTo,
	})
	if err != nil {
		return false, err
	}
	u := strings.TrimRight(s.BaseURL, "/") + "/chats/" + url.PathEscape(m.ChatID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var stored domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&stored); err == nil && stored.ID == m.ID {
		*m = stored
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusCreated, nil
}

// Changes long-polls GET /changes.
func (s *HTTPStore) Changes(ctx context.Context, after int64, wait time.Duration) ([]domain.Change, int64, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	u := strings.TrimRight(s.BaseURL, "/") + "/changes?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, after, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, after, err
	}
	defer resp.Body.Close()

	var page struct {
		Changes []domain.Change `json:"changes"`
		Next    int64           `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, after, fmt.Errorf("decode changes: %w", err)
	}
	return page.Changes, page.Next, nil
}

func (s *HTTPStore) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-User-ID", s.UserID)
	req.Header.Set("Accept", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return nil, &StatusError{Status: resp.StatusCode, Code: e.Code, Message: e.Message}
	}
	return resp, nil
}

// FeedPoller follows a ChangeSource from its head and hands every row to
// apply in order. Errors back off like reconnects do.
type FeedPoller struct {
	src   ChangeSource
	clock clockwork.Clock
	log   zerolog.Logger
	wait  time.Duration
	apply func(domain.Change)

	cursor atomic.Int64
}

// NewFeedPoller returns a poller that long-polls for up to wait per call.
func NewFeedPoller(src ChangeSource, clock clockwork.Clock, log zerolog.Logger, wait time.Duration, apply func(domain.Change)) *FeedPoller {
	f := &FeedPoller{src: src, clock: clock, log: log, wait: wait, apply: apply}
	f.cursor.Store(-1)
	return f
}

// Cursor returns the last applied sequence number, or -1 before the head
// is known.
func (f *FeedPoller) Cursor() int64 { return f.cursor.Load() }

// Run polls until ctx is done.
func (f *FeedPoller) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		after := f.cursor.Load()
		rows, next, err := f.src.Changes(ctx, after, f.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := Backoff(failures, time.Second, 30*time.Second)
			f.log.Warn().Err(err).Dur("retry_in", delay).Msg("change feed poll failed")
			select {
			case <-f.clock.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		for _, c := range rows {
			f.apply(c)
		}
		f.cursor.Store(next)
	}
}
