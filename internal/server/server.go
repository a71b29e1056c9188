package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/gradsense/internal/config"
	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/recorder"
)

// Source delivers frames to fn until ctx is done or the link fails.
type Source func(ctx context.Context, fn func(*frame.Frame) error) error

// Sink receives every relayed frame.
type Sink interface {
	Record(f *frame.Frame)
}

const reconnectDelay = 2 * time.Second

// Server relays frames from the board to WebSocket clients and sinks.
type Server struct {
	cfg    *config.Config
	source Source
	rec    *recorder.Recorder
	sinks  []Sink

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	statusMu sync.Mutex
	status   Status
	seq      frame.Sequence
	started  time.Time
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to all WebSocket clients.
type Message struct {
	Frame  *frame.Frame `json:"frame,omitempty"`
	Status *Status      `json:"status,omitempty"`
	Stamp  int64        `json:"stamp"` // Unix ms
}

// Status describes the link to the board.
type Status struct {
	Connected  bool   `json:"connected"`
	Hz         int    `json:"hz"`
	Frames     uint64 `json:"frames"`
	Lost       uint64 `json:"lost"`
	Reconnects uint64 `json:"reconnects"`
	LastID     uint16 `json:"lastId"`
	LastError  string `json:"lastError,omitempty"`
	Recording  bool   `json:"recording"`
	Clients    int    `json:"clients"`
	UptimeSec  int64  `json:"uptimeSec"`
}

// New creates a new Server. rec may be nil; extra sinks get every frame.
func New(cfg *config.Config, source Source, rec *recorder.Recorder, sinks ...Sink) *Server {
	s := &Server{
		cfg:     cfg,
		source:  source,
		rec:     rec,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	if rec != nil {
		s.sinks = append(s.sinks, rec)
	}
	s.sinks = append(s.sinks, sinks...)
	s.status.Hz = cfg.Serial.StreamHz
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the stream loop.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go s.streamLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// streamLoop keeps a stream open, reconnecting after failures.
func (s *Server) streamLoop(ctx context.Context) {
	defer func() {
		if s.rec != nil {
			s.rec.Close()
		}
	}()
	for {
		err := s.source(ctx, s.relay)
		if ctx.Err() != nil {
			s.setConnected(false, nil)
			return
		}
		if err != nil {
			log.Printf("[server] stream ended: %v", err)
		}
		s.setConnected(false, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		s.statusMu.Lock()
		s.status.Reconnects++
		s.statusMu.Unlock()
	}
}

// relay fans one frame out to clients and sinks.
func (s *Server) relay(f *frame.Frame) error {
	s.statusMu.Lock()
	first := !s.status.Connected
	s.status.Frames++
	s.status.LastID = f.ID
	if lost := s.seq.Observe(f.ID); lost > 0 {
		s.status.Lost += uint64(lost)
	}
	s.statusMu.Unlock()

	if first {
		s.setConnected(true, nil)
	}

	s.broadcast(Message{Frame: f, Stamp: time.Now().UnixMilli()})
	for _, sink := range s.sinks {
		sink.Record(f)
	}
	return nil
}

func (s *Server) setConnected(on bool, err error) {
	s.statusMu.Lock()
	s.status.Connected = on
	if err != nil {
		s.status.LastError = err.Error()
	}
	if !on {
		s.seq.Reset()
	}
	st := s.snapshotLocked()
	s.statusMu.Unlock()
	s.broadcast(Message{Status: &st, Stamp: time.Now().UnixMilli()})
}

// Status returns the current link status.
func (s *Server) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.snapshotLocked()
}

func (s *Server) snapshotLocked() Status {
	st := s.status
	st.UptimeSec = int64(time.Since(s.started) / time.Second)
	if s.rec != nil {
		st.Recording = s.rec.IsEnabled()
	}
	s.clientsMu.RLock()
	st.Clients = len(s.clients)
	s.clientsMu.RUnlock()
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send current status first
	st := s.Status()
	if data, err := json.Marshal(Message{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.Status())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Recording can be toggled live; serial settings apply on reconnect
		if s.rec != nil {
			s.rec.SetEnabled(s.cfg.Recording())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
