package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"k8s.io/klog/v2"
)

const frameBuffer = 64

// stream is a model.EventStream over one websocket connection. A reader
// goroutine owns all reads; Next only selects on its channel.
type stream struct {
	conn      *websocket.Conn
	heartbeat time.Duration

	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, heartbeat time.Duration) *stream {
	s := &stream{
		conn:      conn,
		heartbeat: heartbeat,
		frames:    make(chan []byte, frameBuffer),
		done:      make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeat))
	})
	go s.readLoop()
	go s.pingLoop()
	return s
}

func (s *stream) readLoop() {
	defer close(s.frames)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case s.frames <- data:
		case <-s.done:
			return
		}
	}
}

func (s *stream) pingLoop() {
	interval := s.heartbeat / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				klog.V(2).Infof("hub: ping failed: %v", err)
				return
			}
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next returns the next decoded event. A frame that is not a valid event
// envelope yields an error wrapping model.ErrMalformedEvent; the stream stays
// usable. Once the connection is gone every call returns an error wrapping
// model.ErrStreamClosed.
func (s *stream) Next(ctx context.Context) (model.DeviceEvent, error) {
	select {
	case <-ctx.Done():
		return model.DeviceEvent{}, ctx.Err()
	case data, ok := <-s.frames:
		if !ok {
			if err := s.readErr(); err != nil {
				return model.DeviceEvent{}, fmt.Errorf("%w: %v", model.ErrStreamClosed, err)
			}
			return model.DeviceEvent{}, model.ErrStreamClosed
		}
		return decodeEvent(data)
	}
}

func decodeEvent(data []byte) (model.DeviceEvent, error) {
	var ev model.DeviceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.DeviceEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return model.DeviceEvent{}, fmt.Errorf("%w: missing type", model.ErrMalformedEvent)
	}
	return ev, nil
}

// Close ends the stream. It is safe to call more than once.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
