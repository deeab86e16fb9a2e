package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"listing-sentinel/internal/model"
)

func testEvent() model.AlertEvent {
	return model.AlertEvent{
		ID:        "ev-1",
		Kind:      model.AlertPriceDrop,
		ListingID: "iphone-15",
		OldValue:  5600000,
		NewValue:  5200000,
		DeltaPct:  -7.14,
		Snapshot:  model.ListingSnapshot{DealScore: 92, Recommendation: "BUY_NOW", TrendLabel: model.TrendFalling},
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestTelegramDeliverSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat", srv.URL, time.Second, Formatter{Currency: "Rs."}, testLogger())
	if err := tg.Deliver(context.Background(), testEvent()); err != nil {
		t.Fatalf("Telegram Deliver 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Rs.56000.00") || !strings.Contains(received["text"], "-7.14%") {
		t.Fatalf("text 内容不正确: %q", received["text"])
	}
}

func TestTelegramDeliverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat", srv.URL, time.Second, Formatter{}, testLogger())
	if err := tg.Deliver(context.Background(), testEvent()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestFormatterSentiment(t *testing.T) {
	ev := model.AlertEvent{Kind: model.AlertSentimentDecline, ListingID: "L1", OldValue: 0.78, NewValue: 0.65, DeltaPct: -13}
	text := Formatter{}.Text(ev)
	assert.Contains(t, text, "78.0% -> 65.0%")
	assert.Contains(t, text, "-13.00 points")
	assert.Equal(t, "Warning: L1 sentiment declining", Formatter{}.Subject(ev))
}

type fakeSender struct {
	messages []*gomail.Message
	err      error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, m...)
	return nil
}

func TestEmailDeliver(t *testing.T) {
	sender := &fakeSender{}
	e := NewEmailWithSender(EmailOptions{Username: "bot@example.com", Recipients: []string{"a@example.com", "b@example.com"}}, sender, Formatter{Currency: "$"}, testLogger())

	require.NoError(t, e.Deliver(context.Background(), testEvent()))
	require.Len(t, sender.messages, 1)
	m := sender.messages[0]
	assert.Equal(t, []string{"bot@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Price Drop Alert: iphone-15 - save $4000.00"}, m.GetHeader("Subject"))
}

func TestEmailRequiresRecipients(t *testing.T) {
	e := NewEmailWithSender(EmailOptions{}, &fakeSender{}, Formatter{}, testLogger())
	require.Error(t, e.Deliver(context.Background(), testEvent()))
}

func TestTeamsDeliver(t *testing.T) {
	var card teamsMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&card))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	teams := NewTeams(srv.URL, time.Second, Formatter{}, testLogger())
	require.NoError(t, teams.Deliver(context.Background(), testEvent()))
	assert.Equal(t, "MessageCard", card.Type)
	require.Len(t, card.Sections, 1)
	assert.Contains(t, card.Sections[0].Facts, teamsFact{Name: "Deal score", Value: "92/100 BUY_NOW"})
}

func TestTeamsDeliverNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	require.Error(t, NewTeams(srv.URL, time.Second, Formatter{}, testLogger()).Deliver(context.Background(), testEvent()))
}

type countingDispatcher struct {
	calls int
	err   error
}

func (c *countingDispatcher) Deliver(context.Context, model.AlertEvent) error {
	c.calls++
	return c.err
}

func TestMultiAcksOnlyWhenAllChannelsAck(t *testing.T) {
	ok := &countingDispatcher{}
	broken := &countingDispatcher{err: errors.New("smtp refused")}

	m := NewMulti(testLogger()).Add("log", ok).Add("email", broken)
	err := m.Deliver(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: smtp refused")
	assert.Equal(t, 1, ok.calls, "every channel is attempted")
	assert.Equal(t, 1, broken.calls)

	broken.err = nil
	require.NoError(t, m.Deliver(context.Background(), testEvent()))
}

func TestMultiWithoutChannelsFails(t *testing.T) {
	require.Error(t, NewMulti(testLogger()).Deliver(context.Background(), testEvent()))
}

func TestPacedSpacesDeliveries(t *testing.T) {
	inner := &countingDispatcher{}
	p := NewPaced(inner, 40*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Deliver(context.Background(), testEvent()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Equal(t, 3, inner.calls)
}

func TestPacedHonoursCancellation(t *testing.T) {
	inner := &countingDispatcher{}
	p := NewPaced(inner, time.Hour)
	require.NoError(t, p.Deliver(context.Background(), testEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, p.Deliver(ctx, testEvent()))
	assert.Equal(t, 1, inner.calls)
}

func TestPacedDisabled(t *testing.T) {
	inner := &countingDispatcher{}
	assert.Same(t, Dispatcher(inner), NewPaced(inner, 0))
}
