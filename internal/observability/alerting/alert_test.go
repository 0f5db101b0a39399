package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	subject string
	content string
	to      []string
}

func (c *captureSender) Send(_ context.Context, subject, content string, to []string) error {
	c.subject, c.content, c.to = subject, content, to
	return nil
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("unreachable") }

func sampleEvent() Event {
	return Event{
		Code:          "SETTLEMENT_FAILED",
		Message:       "node timeout",
		Severity:      "critical",
		TransactionID: "tx-1",
		Attempts:      3,
		MaxAttempts:   3,
		Metadata:      map[string]string{"stage": "terminal", "chain": "ethereum"},
		OccurredAt:    time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestEmailNotifierFormatsEvent(t *testing.T) {
	sender := &captureSender{}
	n := &EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[vibeguard]"}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))

	assert.Equal(t, "[vibeguard][critical] SETTLEMENT_FAILED", sender.subject)
	assert.Equal(t, []string{"ops@example.com"}, sender.to)
	assert.Contains(t, sender.content, "交易: tx-1")
	assert.Contains(t, sender.content, "重试: 3/3")
	assert.Less(t, strings.Index(sender.content, "- chain"), strings.Index(sender.content, "- stage"))
}

func TestEmailNotifierWithoutRecipientsIsNoop(t *testing.T) {
	n := &EmailNotifier{Sender: &captureSender{}}
	assert.NoError(t, n.Notify(context.Background(), sampleEvent()))
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, "tx-1", got.TransactionID)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	n = &WebhookNotifier{URL: bad.URL, Client: bad.Client()}
	assert.Error(t, n.Notify(context.Background(), sampleEvent()))
}

func TestFanoutCollectsErrors(t *testing.T) {
	sender := &captureSender{}
	fanout := NewFanout(
		&EmailNotifier{Sender: sender, To: []string{"ops@example.com"}},
		failingNotifier{},
		LogNotifier{},
		nil,
	)
	assert.Equal(t, []Channel{"broken", ChannelEmail, ChannelLog}, fanout.Channels())

	err := fanout.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel broken")
	assert.NotEmpty(t, sender.subject)

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), sampleEvent()))
}
