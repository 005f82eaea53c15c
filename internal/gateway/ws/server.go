// Package ws implements the WebSocket live trace stream.
// Subscribers connect, receive a hello with the run summary, optionally the
// steps recorded so far, and then every step as it is appended.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/mlbench/internal/protocol"
	"github.com/jkaninda/mlbench/internal/trace"
)

// Snapshotter is the read side of a run.
type Snapshotter interface {
	Snapshot() trace.Snapshot
}

// Config configures the stream server.
type Config struct {
	Token             string        // Optional bearer token. Empty disables auth.
	HeartbeatInterval time.Duration // Default: 30s
	WriteTimeout      time.Duration // Default: 10s
	SendBuffer        int           // Per-subscriber queue. Default: 256
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return 30 * time.Second
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return 10 * time.Second
}

func (c Config) sendBuffer() int {
	if c.SendBuffer > 0 {
		return c.SendBuffer
	}
	return 256
}

// Server fans trace events out to WebSocket subscribers. It implements trace.Sink.
type Server struct {
	source Snapshotter
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	done    chan struct{}
	closed  bool
}

type subscriber struct {
	send chan []byte
	slow chan struct{} // closed when the subscriber is dropped

	// Events below these indexes were already sent as backlog.
	skipStep int
	skipLow  int
}

// NewServer creates a stream server. source may be nil, in which case
// subscribers only receive steps appended after they connect.
func NewServer(source Snapshotter, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectedCount returns the number of live subscribers.
func (s *Server) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Publish queues the event for every subscriber without blocking.
// Subscribers whose queue is full are dropped.
func (s *Server) Publish(_ context.Context, ev trace.Event) error {
	env, err := protocol.StepEnvelope(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var slow []*subscriber
	s.mu.RLock()
	for sub := range s.clients {
		if ev.Kind == trace.KindStep && ev.Index < sub.skipStep {
			continue
		}
		if ev.Kind == trace.KindLowLevel && ev.Index < sub.skipLow {
			continue
		}
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range slow {
		s.logger.Warn("dropping slow trace subscriber")
		s.unsubscribe(sub)
	}
	return nil
}

// Close disconnects every subscriber and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// authorized checks the ?token= query parameter or a bearer Authorization
// header against the configured token in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	replay := r.URL.Query().Get("replay") != "false"
	s.handleConnection(r.Context(), conn, replay)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, replay bool) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Subscribers never send data; CloseRead handles control frames.
	ctx = conn.CloseRead(ctx)

	sub, snap, ok := s.subscribe(replay)
	if !ok {
		s.writeEnvelope(ctx, conn, protocol.MsgError, protocol.ErrorPayload{Message: "server shutting down"})
		return
	}
	defer s.unsubscribe(sub)

	hello := protocol.Hello{
		RunID:         snap.RunID,
		Task:          snap.TaskDescription,
		Steps:         len(snap.Steps),
		LowLevelSteps: len(snap.LowLevelSteps),
		Replayed:      replay,
	}
	if err := s.writeEnvelope(ctx, conn, protocol.MsgHello, hello); err != nil {
		return
	}
	if replay {
		for _, ev := range backlog(snap) {
			env, err := protocol.StepEnvelope(ev)
			if err != nil {
				continue
			}
			if err := s.write(ctx, conn, env); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(s.cfg.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-sub.slow:
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case data := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout())
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("trace stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := s.writeEnvelope(ctx, conn, protocol.MsgPing, nil); err != nil {
				s.logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// subscribe registers a subscriber and captures the snapshot it starts from
// under the same lock, so no event falls between backlog and live stream.
func (s *Server) subscribe(replay bool) (*subscriber, trace.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.Snapshot{}, false
	}

	var snap trace.Snapshot
	if s.source != nil {
		snap = s.source.Snapshot()
	}
	sub := &subscriber{
		send: make(chan []byte, s.cfg.sendBuffer()),
		slow: make(chan struct{}),
	}
	if replay {
		sub.skipStep, sub.skipLow = len(snap.Steps), len(snap.LowLevelSteps)
	}
	s.clients[sub] = struct{}{}
	return sub, snap, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[sub]; ok {
		delete(s.clients, sub)
		close(sub.slow)
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, t protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return s.write(ctx, conn, env)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout())
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// backlog merges both step sequences in timestamp order. Low-level operations
// sort before the step that triggered them on equal timestamps.
func backlog(snap trace.Snapshot) []trace.Event {
	events := make([]trace.Event, 0, len(snap.Steps)+len(snap.LowLevelSteps))
	for i, st := range snap.LowLevelSteps {
		events = append(events, trace.Event{RunID: snap.RunID, Kind: trace.KindLowLevel, Index: i, Step: st})
	}
	for i, st := range snap.Steps {
		events = append(events, trace.Event{RunID: snap.RunID, Kind: trace.KindStep, Index: i, Step: st})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Step.Timestamp.Before(events[j].Step.Timestamp)
	})
	return events
}
