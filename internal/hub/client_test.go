package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
)

const testToken = "aaa.bbb.ccc"

type fakeHub struct {
	frames   []string
	upgrader websocket.Upgrader
	devices  string
	hold     chan struct{}

	// answerPings keeps a reader on the connection so pings get pongs.
	answerPings bool
}

func newFakeHub(t *testing.T, h *fakeHub) *httptest.Server {
	t.Helper()
	if h.hold == nil {
		h.hold = make(chan struct{})
	}
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/v1/scenes", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	mux.HandleFunc("/v1/devices", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(h.devices))
	}))
	mux.HandleFunc("/v1", auth(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range h.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if h.answerPings {
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()
		}
		<-h.hold
	}))
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(func() {
		select {
		case <-h.hold:
		default:
			close(h.hold)
		}
		srv.Close()
	})
	return srv
}

func newTestClient(t *testing.T, addr, token string) *Client {
	t.Helper()
	c, err := NewClient(Config{Address: addr, Token: token, RequestTimeout: 2 * time.Second, HeartbeatTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"192.168.1.10":             "https://192.168.1.10:8443/v1",
		"hub.local:9443":           "https://hub.local:9443/v1",
		"https://127.0.0.1:1234":   "https://127.0.0.1:1234/v1",
		"https://127.0.0.1:1234/":  "https://127.0.0.1:1234/v1",
		"http://127.0.0.1:1234/v1": "http://127.0.0.1:1234/v1",
	}
	for in, want := range tests {
		u, err := baseURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, u.String(), in)
	}

	_, err := baseURL("ftp://hub")
	assert.Error(t, err)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Token: testToken})
	assert.Error(t, err)
	_, err = NewClient(Config{Address: "hub"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{})
	ctx := context.Background()

	require.NoError(t, newTestClient(t, srv.URL, testToken).Ping(ctx))

	err := newTestClient(t, srv.URL, "bad.token.here").Ping(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := newTestClient(t, addr, testToken).Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestDevices(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{devices: `[
		{"id":"lamp1","type":"light","deviceType":"light","isReachable":true,
		 "room":{"id":"r1","name":"Living"},
		 "attributes":{"customName":"Desk","lightLevel":42,"isOn":true}}
	]`})

	devices, err := newTestClient(t, srv.URL, testToken).Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "lamp1", devices[0].ID)
	assert.Equal(t, "Desk", devices[0].Name())
	assert.Equal(t, "Living", devices[0].RoomName())
	assert.Equal(t, 42.0, devices[0].Attributes["lightLevel"])
}

func TestSubscribe_DeliversEventsAndSkipsMalformed(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{frames: []string{
		`{"id":"e1","time":"2024-01-01T00:00:00Z","source":"urn:com:ikea:homesmart:iotc:zigbee","type":"deviceStateChanged","data":{"id":"lamp1","attributes":{"lightLevel":10}}}`,
		`not json`,
		`{"id":"e2"}`,
		`{"id":"e3","type":"deviceRemoved","data":{"id":"lamp1"}}`,
	}})
	c := newTestClient(t, srv.URL, testToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.Subscribe(ctx)
	require.NoError(t, err)
	defer s.Close()

	ev, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventDeviceStateChanged, ev.Type)
	assert.JSONEq(t, `{"id":"lamp1","attributes":{"lightLevel":10}}`, string(ev.Data))

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, model.ErrMalformedEvent)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, model.ErrMalformedEvent)

	ev, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventDeviceRemoved, ev.Type)
}

func TestSubscribe_Unauthorized(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{})
	_, err := newTestClient(t, srv.URL, "bad.token.here").Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStream_ClosedByHub(t *testing.T) {
	h := &fakeHub{frames: []string{`{"id":"e1","type":"deviceAdded","data":{"id":"x"}}`}}
	srv := newFakeHub(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := newTestClient(t, srv.URL, testToken).Subscribe(ctx)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(ctx)
	require.NoError(t, err)

	close(h.hold)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, model.ErrStreamClosed)
}

func TestStream_NextHonoursContext(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{})
	s, err := newTestClient(t, srv.URL, testToken).Subscribe(context.Background())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func subscribeWithHeartbeat(t *testing.T, addr string, heartbeat time.Duration) model.EventStream {
	t.Helper()
	c, err := NewClient(Config{Address: addr, Token: testToken, RequestTimeout: 2 * time.Second, HeartbeatTimeout: heartbeat})
	require.NoError(t, err)
	s, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStream_MissedHeartbeat(t *testing.T) {
	// The hub never reads, so no pong ever comes back.
	srv := newFakeHub(t, &fakeHub{})
	s := subscribeWithHeartbeat(t, srv.URL, 500*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, model.ErrStreamClosed)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStream_PongsKeepConnectionAlive(t *testing.T) {
	srv := newFakeHub(t, &fakeHub{answerPings: true})
	s := subscribeWithHeartbeat(t, srv.URL, 400*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
