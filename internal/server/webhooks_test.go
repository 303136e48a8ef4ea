package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"intakeline/internal/app"
	"intakeline/internal/clock"
	"intakeline/internal/config"
	"intakeline/internal/repo"
)

type receivedHook struct {
	event    string
	delivery string
	secret   string
	body     webhookEvent
}

type hookReceiver struct {
	mu     sync.Mutex
	got    []receivedHook
	status int
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body webhookEvent
	_ = json.Unmarshal(data, &body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	h.got = append(h.got, receivedHook{
		event:    r.Header.Get("X-Intakeline-Event"),
		delivery: r.Header.Get("X-Intakeline-Delivery"),
		secret:   r.Header.Get("X-Intakeline-Secret"),
		body:     body,
	})
}

func (h *hookReceiver) received() []receivedHook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]receivedHook(nil), h.got...)
}

func (h *hookReceiver) setStatus(code int) {
	h.mu.Lock()
	h.status = code
	h.mu.Unlock()
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	ctx := context.Background()
	rt, err := app.Open(app.Options{
		Workspace: t.TempDir(),
		Logger:    zaptest.NewLogger(t),
		Clock:     clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	// Recorded before the dispatcher starts, so never delivered.
	_, err = rt.Engine.NotifySubmission(ctx, "owner-1", "form-1", "Survey", "s0")
	require.NoError(t, err)

	all := &hookReceiver{}
	filtered := &hookReceiver{}
	allSrv := httptest.NewServer(all)
	defer allSrv.Close()
	filteredSrv := httptest.NewServer(filtered)
	defer filteredSrv.Close()
	disabled := false
	d := NewWebhookDispatcher(rt.Engine.Repo, []config.WebhookConfig{
		{URL: allSrv.URL, Secret: "shh"},
		{URL: filteredSrv.URL, Events: []string{"notification.read"}},
		{URL: allSrv.URL, Enabled: &disabled},
	}, zaptest.NewLogger(t))

	d.DispatchAll(ctx)
	assert.Empty(t, all.received())

	agg, err := rt.Engine.NotifySubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	_, err = rt.Engine.MarkNotificationRead(ctx, agg.ID, "owner-1", "owner-1")
	require.NoError(t, err)

	d.DispatchAll(ctx)
	got := all.received()
	require.Len(t, got, 2)
	assert.Equal(t, "notification.aggregated", got[0].event)
	assert.Equal(t, "shh", got[0].secret)
	assert.Equal(t, "notification", got[0].body.EntityKind)
	assert.Equal(t, agg.ID, got[0].body.EntityID)
	assert.Equal(t, "notification.read", got[1].event)
	assert.NotEqual(t, got[0].delivery, got[1].delivery)

	onlyRead := filtered.received()
	require.Len(t, onlyRead, 1)
	assert.Equal(t, "notification.read", onlyRead[0].event)
	assert.Empty(t, onlyRead[0].secret)

	d.DispatchAll(ctx)
	assert.Len(t, all.received(), 2)
}

func TestWebhookDispatcherRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	rt, err := app.Open(app.Options{Workspace: t.TempDir(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	recv := &hookReceiver{status: http.StatusBadGateway}
	srv := httptest.NewServer(recv)
	defer srv.Close()
	d := NewWebhookDispatcher(rt.Engine.Repo, []config.WebhookConfig{{URL: srv.URL}}, nil)
	d.DispatchAll(ctx)

	_, err = rt.Engine.NotifySubmission(ctx, "owner-1", "form-1", "Survey", "s1")
	require.NoError(t, err)
	d.DispatchAll(ctx)
	assert.Empty(t, recv.received())

	recv.setStatus(0)
	d.DispatchAll(ctx)
	got := recv.received()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", payloadString(t, got[0].body.Payload, "submission_id"))
}

func TestWebhookRunReturnsWithoutEnabledHooks(t *testing.T) {
	d := NewWebhookDispatcher(repo.Repo{}, nil, nil)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func payloadString(t *testing.T, raw json.RawMessage, key string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	s, _ := m[key].(string)
	return s
}
