package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mss/internal/broker"
	"mss/internal/config"
	"mss/internal/counter"
	"mss/internal/model"
	"mss/internal/registry"
	"mss/internal/router"
)

type testEnv struct {
	srv *Server
	mem *broker.Memory
	h   http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.Kind = config.BrokerMemory
	for _, m := range mutate {
		m(cfg)
	}
	mem := broker.NewMemory()
	if err := mem.ExchangeDeclare(context.Background(), cfg.Broker.Exchange, broker.ExchangeDirect); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	counters := counter.New()
	hub := NewHub()
	n := &Notifier{Watch: hub, Counters: counters}
	reg := registry.New(mem, counters, registry.Config{Exchange: cfg.Broker.Exchange, Notifier: n})
	rt := router.New(mem, counters, router.Config{Exchange: cfg.Broker.Exchange, Notifier: n})
	s := NewServer(Deps{Registry: reg, Router: rt, Watch: hub, Config: cfg})
	s.SetReady(true)
	return &testEnv{srv: s, mem: mem, h: s.Handler()}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) Problem {
	t.Helper()
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p), rr.Body.String())
	return p
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodGet, "/healthz", "")
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = e.do(http.MethodGet, "/readyz", "")
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	e.srv.SetReady(false)
	rr = e.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: got %d", rr.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(http.MethodPut, "/subscriptions/sub1", `{"messageTypes":["order.created"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{}`, rr.Body.String())
	assert.Equal(t, "created", rr.Header().Get("X-Subscription-Result"))

	rr = e.do(http.MethodGet, "/subscriptions/sub1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"order.created":0}`, rr.Body.String())

	rr = e.do(http.MethodPost, "/messages", `{"messageType":"order.created","messageBody":"payload"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Message-Id"))

	rr = e.do(http.MethodGet, "/subscriptions/sub1", "")
	assert.JSONEq(t, `{"order.created":1}`, rr.Body.String())

	rr = e.do(http.MethodPut, "/subscriptions/sub1", `{"messageTypes":["order.shipped"]}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "replaced", rr.Header().Get("X-Subscription-Result"))

	rr = e.do(http.MethodPost, "/messages", `{"messageType":"order.created","messageBody":"payload"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", decodeProblem(t, rr).Code)

	rr = e.do(http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items []model.Subscription `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, []model.Subscription{{ID: "sub1", MessageTypes: []string{"order.shipped"}}}, list.Items)

	rr = e.do(http.MethodDelete, "/subscriptions/sub1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(http.MethodDelete, "/subscriptions/sub1", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeProblem(t, rr).Code)
}

func TestGetUnknownSubscriptionIsEmpty(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodGet, "/subscriptions/nobody", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{}`, rr.Body.String())
}

func TestBadRequests(t *testing.T) {
	e := newTestServer(t)
	cases := []struct {
		name, method, path, body, code string
	}{
		{"malformed put", http.MethodPut, "/subscriptions/s", `{"messageTypes":`, ""},
		{"empty put", http.MethodPut, "/subscriptions/s", `{"messageTypes":[]}`, "INVALID_INPUT"},
		{"blank type", http.MethodPut, "/subscriptions/s", `{"messageTypes":["a"," "]}`, "INVALID_INPUT"},
		{"malformed message", http.MethodPost, "/messages", `not json`, ""},
		{"missing body", http.MethodPost, "/messages", `{"messageType":"a"}`, "INVALID_INPUT"},
		{"missing type", http.MethodPost, "/messages", `{"messageBody":"x"}`, "INVALID_INPUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := e.do(tc.method, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			p := decodeProblem(t, rr)
			assert.Equal(t, 400, p.Status)
			assert.Equal(t, tc.code, p.Code)
		})
	}
	assert.Zero(t, e.mem.Calls(broker.OpQueueDeclare, broker.OpPublish))
}

func TestBindingFailureResponse(t *testing.T) {
	e := newTestServer(t)
	e.mem.Hook = func(op broker.Op, target, key string) error {
		if op == broker.OpQueueBind && key == "b" {
			return errors.New("access refused")
		}
		return nil
	}
	rr := e.do(http.MethodPut, "/subscriptions/sub2", `{"messageTypes":["a","b"]}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	p := decodeProblem(t, rr)
	assert.Equal(t, "BINDING_FAILED", p.Code)
	assert.Equal(t, "/subscriptions/sub2", p.Instance)

	rr = e.do(http.MethodGet, "/subscriptions/sub2", "")
	assert.JSONEq(t, `{"a":0,"b":0}`, rr.Body.String())
}

func TestBrokerUnavailableResponse(t *testing.T) {
	e := newTestServer(t)
	e.mem.Hook = func(op broker.Op, target, key string) error {
		return broker.ErrUnavailable
	}
	rr := e.do(http.MethodPut, "/subscriptions/s", `{"messageTypes":["a"]}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "BROKER_UNAVAILABLE", decodeProblem(t, rr).Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/subscriptions/s", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "x-requested-with")

	rr = e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) {
		c.HTTP.RateRPS = 0.001
		c.HTTP.RateBurst = 2
	})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, e.do(http.MethodGet, "/subscriptions/x", "").Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
	// probes are never throttled
	assert.Equal(t, 200, e.do(http.MethodGet, "/healthz", "").Code)
}

func TestDocsAndDebug(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), "/subscriptions/{id}")

	rr = e.do(http.MethodGet, "/openapi.json", "")
	require.Equal(t, 200, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	rr = e.do(http.MethodGet, "/debug/info", "")
	require.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), `"Password":"****"`)
	assert.Contains(t, rr.Body.String(), `"subscriptions":0`)

	rr = e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, 200, rr.Code)

	rr = e.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = e.do(http.MethodPatch, "/subscriptions/s", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestWatchStreamsCounters(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()
	defer e.srv.Close()

	rr := e.do(http.MethodPut, "/subscriptions/sub1", `{"messageTypes":["T"]}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subscriptions/sub1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, EventSnapshot, evt.Type)
	assert.Equal(t, model.Counters{"T": 0}, evt.Counters)

	// the snapshot is sent after subscribing to the hub, so this is not lost
	rr = e.do(http.MethodPost, "/messages", `{"messageType":"T","messageBody":"x"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var updated Event
	require.NoError(t, conn.ReadJSON(&updated))
	assert.Equal(t, router.EventCountersUpdated, updated.Type)
	assert.Equal(t, "sub1", updated.SubscriptionID)
	assert.Equal(t, model.Counters{"T": 1}, updated.Counters)

	rr = e.do(http.MethodDelete, "/subscriptions/sub1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	var deleted Event
	require.NoError(t, conn.ReadJSON(&deleted))
	assert.Equal(t, registry.EventDeleted, deleted.Type)
	assert.Empty(t, deleted.Counters)
}
