package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategy-runtime/internal/host"
	"github.com/coachpo/strategy-runtime/internal/registry"
	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
	"github.com/coachpo/strategy-runtime/internal/strategy/mcq"
)

type fixture struct {
	srv     *httptest.Server
	handler *Handler
	runtime *host.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	res, err := resolver.New(resolver.Options{})
	require.NoError(t, err)
	naming := registry.DefaultNaming()
	reg := registry.New(registry.Options{
		Naming:  naming,
		Sources: []registry.Source{registry.NewBuiltinSource(naming, mcq.Module())},
	})
	rt := host.NewRuntime(host.Options{
		Resolver:    res,
		Loader:      reg,
		Notifier:    resize.NewNotifier(resize.Options{Buffer: resize.DefaultBuffer}),
		SettleDelay: -1,
	})
	ic := host.NewContext()
	require.NoError(t, rt.Register(ic))

	handler := NewHandler(Options{Interactions: ic, Catalog: reg, ReadyTimeout: 2 * time.Second})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		handler.Close()
		rt.Close()
	})
	return &fixture{srv: srv, handler: handler, runtime: rt}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func mcqCreate(state any) map[string]any {
	req := map[string]any{
		"responseIdentifier": "RESPONSE",
		"configuration": map[string]any{
			"strategy": "mcq",
			"props": map[string]any{
				"prompt": "Pick a prime",
				"choices": []any{
					map[string]any{"id": "c1", "text": "2"},
					map[string]any{"id": "c2", "text": "4"},
				},
				"correct": []any{"c1"},
			},
		},
	}
	if state != nil {
		req["state"] = state
	}
	return req
}

func TestCreateAndQueryInstance(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, instancesPath, mcqCreate(map[string]any{"selectedChoices": []any{"c2"}}))
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "mcq", body["strategy"])
	assert.Equal(t, map[string]any{"type": "single", "choice": "c2"}, body["response"])
	assert.Equal(t, true, body["valid"])
	assert.Nil(t, body["lastCheck"])
	assert.Contains(t, body["markup"], "qti-choice-interaction")

	status, body = f.do(t, http.MethodGet, instanceDetailPrefix+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, map[string]any{"selectedChoices": []any{"c2"}, "isMultiple": false}, body["state"])

	status, body = f.do(t, http.MethodGet, instancesPath, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["instances"], 1)

	status, body = f.do(t, http.MethodGet, strategiesPath, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"mcq"}, body["cached"])
	assert.Equal(t, []any{"mcq"}, body["available"])
}

func TestInstanceActions(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, instancesPath, mcqCreate(nil))
	id := body["id"].(string)
	base := instanceDetailPrefix + id

	status, body := f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, mcq.ValidityMessage, body["customValidity"])

	status, body = f.do(t, http.MethodPost, base+"/events", map[string]any{"selector": "#choice-c2", "type": "click"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"type": "single", "choice": "c2"}, body["response"])

	status, body = f.do(t, http.MethodPost, base+"/events", map[string]any{"selector": ".qti-check-button", "type": "click"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["lastCheck"])
	assert.NotNil(t, body["size"], "feedback triggers a content resize")

	status, body = f.do(t, http.MethodPut, base+"/state", map[string]any{"selectedChoices": []any{"c1"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"type": "single", "choice": "c1"}, body["response"])

	status, _ = f.do(t, http.MethodPost, base+"/rendering-properties", map[string]any{"status": "review"})
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodPost, base+"/events", map[string]any{"selector": "#nope", "type": "click"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "error", body["status"])
	status, _ = f.do(t, http.MethodPost, base+"/events", map[string]any{"selector": "a > b", "type": "click"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, base+"/events", "{")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, base+"/events", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = f.do(t, http.MethodPost, base+"/bogus", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Zero(t, f.runtime.Len())
}

func TestCreateRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, instancesPath, "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, instancesPath, map[string]any{"typeIdentifier": "other-runtime"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, instancesPath, map[string]any{"markup": "just text"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, instancesPath, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = f.do(t, http.MethodGet, instanceDetailPrefix+"missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFailedInstanceIsDegraded(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, instancesPath, map[string]any{
		"configuration": map[string]any{"strategy": "does-not-exist"},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, true, body["ready"])
	assert.Contains(t, body["error"], "strategy_load")
	assert.Equal(t, true, body["valid"])
	assert.Nil(t, body["response"])

	id := body["id"].(string)
	status, _ = f.do(t, http.MethodPost, instanceDetailPrefix+id+"/events", map[string]any{"selector": "div", "type": "click"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestFrameWebsocketReceivesResize(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, instancesPath, mcqCreate(nil))
	id := body["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + instanceDetailPrefix + id + "/frame"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	status, _ := f.do(t, http.MethodPost, instanceDetailPrefix+id+"/events", map[string]any{"selector": ".qti-check-button", "type": "click"})
	require.Equal(t, http.StatusOK, status)

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var msg resize.FrameMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "resize", msg.Type)
	assert.Equal(t, resize.DefaultSource, msg.Source)
	assert.Positive(t, msg.Dimensions.Height)

	status, _ = f.do(t, http.MethodDelete, instanceDetailPrefix+id, nil)
	require.Equal(t, http.StatusOK, status)
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestFrameHubDropsForLaggingSubscribers(t *testing.T) {
	hub := newFrameHub(nil)
	ch, unsubscribe := hub.subscribe()
	for i := 0; i < frameBufferSize+5; i++ {
		require.NoError(t, hub.PostMessage(map[string]int{"n": i}, "*"))
	}
	assert.Len(t, ch, frameBufferSize)

	late, _ := hub.subscribe()
	assert.JSONEq(t, `{"n":20}`, string(<-late), "new subscribers get the last message")

	unsubscribe()
	unsubscribe()
	hub.close()
	_, open := <-late
	assert.False(t, open)
	assert.Error(t, hub.PostMessage("x", "*"))
}
