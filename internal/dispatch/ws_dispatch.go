// Package dispatch pushes live job views to connected websocket clients.
// Each session owns one store subscription and one countdown ticker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/observability"
	"github.com/example/waste-pickup/internal/projections"
	"github.com/example/waste-pickup/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

var (
	ErrNoSession    = errors.New("no ws session")
	ErrUnknownView  = errors.New("unknown view")
	ErrSlowConsumer = errors.New("ws client too slow")
)

// Subscriber is satisfied by lifecycle.Engine and by every job store.
type Subscriber interface {
	Subscribe(ctx context.Context, f storage.Filter, onChange func([]models.Job)) (storage.Unsubscribe, error)
}

// View names one of the live lists a client can follow.
type View string

const (
	ViewPending         View = "pending"
	ViewRequester       View = "requester"
	ViewCollectorActive View = "collector-active"
	ViewCollectorDone   View = "collector-done"
	ViewAll             View = "all"
	ViewCompleted       View = "completed"
)

// Filter maps a view and the caller's session id to a store filter.
func (v View) Filter(userID string) (storage.Filter, error) {
	needID := func(f storage.Filter) (storage.Filter, error) {
		if userID == "" {
			return storage.Filter{}, fmt.Errorf("view %q needs a session id", v)
		}
		return f, nil
	}
	switch v {
	case ViewPending:
		return storage.Filter{Status: models.StatusPending}, nil
	case ViewRequester:
		return needID(storage.Filter{RequesterID: userID})
	case ViewCollectorActive:
		return needID(storage.Filter{CollectorID: userID, Status: models.StatusCollecting})
	case ViewCollectorDone:
		return needID(storage.Filter{CollectorID: userID, Status: models.StatusDone})
	case ViewAll:
		return storage.Filter{}, nil
	case ViewCompleted:
		return storage.Filter{Status: models.StatusDone}, nil
	}
	return storage.Filter{}, fmt.Errorf("%w %q", ErrUnknownView, v)
}

// Message is what a session writes to its client.
type Message struct {
	Type       string                  `json:"type"` // "jobs" or "countdown"
	View       View                    `json:"view"`
	Jobs       []models.Job            `json:"jobs,omitempty"`
	Stats      *projections.Stats      `json:"stats,omitempty"`
	Countdowns []projections.Remaining `json:"countdowns,omitempty"`
	At         time.Time               `json:"at"`
}

// WSSession represents one connected client following one view.
type WSSession struct {
	ID   string
	View View

	conn   *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
	reason error

	mu     sync.Mutex
	latest []models.Job
}

// close ends the session; the first reason wins.
func (s *WSSession) close(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (s *WSSession) enqueue(m Message) error {
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.send <- m:
		return nil
	default:
		s.close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

func (s *WSSession) snapshot() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

type Options struct {
	CountdownEvery time.Duration
	Location       *time.Location
	Now            func() time.Time
	Logger         *slog.Logger
}

// WSRegistry holds client sessions
type WSRegistry struct {
	source Subscriber
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(source Subscriber, opts Options) *WSRegistry {
	if opts.CountdownEvery <= 0 {
		opts.CountdownEvery = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{source: source, opts: opts, logger: logger, sessions: make(map[string]*WSSession)}
}

// Serve runs a session on conn until the client leaves or ctx ends. It
// owns conn and closes it on return.
func (r *WSRegistry) Serve(ctx context.Context, conn *websocket.Conn, view View, userID string) error {
	defer conn.Close()
	f, err := view.Filter(userID)
	if err != nil {
		r.writeClose(conn, websocket.ClosePolicyViolation, err.Error())
		return err
	}

	s := &WSSession{
		ID:   uuid.NewString(),
		View: view,
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.add(s)
	defer r.remove(s.ID)

	unsub, err := r.source.Subscribe(ctx, f, func(jobs []models.Job) {
		sorted := projections.SortAndFilter(jobs, "")
		stats := projections.ComputeStats(jobs)
		s.mu.Lock()
		s.latest = sorted
		s.mu.Unlock()
		if err := s.enqueue(Message{Type: "jobs", View: view, Jobs: sorted, Stats: &stats, At: r.opts.Now().UTC()}); err != nil {
			r.logger.Debug("dropping ws update", "session_id", s.ID, "error", err)
		}
	})
	if err != nil {
		r.writeClose(conn, websocket.CloseInternalServerErr, "subscription failed")
		return err
	}
	defer unsub()

	go projections.RunCountdown(ctx, r.opts.CountdownEvery, r.opts.Now, func(now time.Time) {
		jobs := s.snapshot()
		if jobs == nil {
			return
		}
		_ = s.enqueue(Message{
			Type:       "countdown",
			View:       view,
			Countdowns: projections.Countdowns(jobs, now, r.opts.Location),
			At:         now.UTC(),
		})
	})
	go r.readPump(s)

	r.logger.Info("ws session opened", "session_id", s.ID, "view", string(view), "user_id", userID)
	err = r.writePump(ctx, s)
	r.logger.Info("ws session closed", "session_id", s.ID, "reason", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// readPump only watches for the client going away and answers pongs.
func (r *WSRegistry) readPump(s *WSSession) {
	defer s.close(ErrNoSession)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) writePump(ctx context.Context, s *WSSession) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			r.writeClose(s.conn, websocket.CloseGoingAway, "server shutting down")
			return ctx.Err()
		case <-s.done:
			if errors.Is(s.reason, ErrSlowConsumer) {
				r.writeClose(s.conn, websocket.CloseTryAgainLater, "too slow")
			}
			return s.reason
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(m); err != nil {
				return err
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (r *WSRegistry) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (r *WSRegistry) add(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	observability.WSSessions.Inc()
}

func (r *WSRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.close(ErrNoSession)
		delete(r.sessions, id)
		observability.WSSessions.Dec()
	}
}

// Count reports connected sessions.
func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every session.
func (r *WSRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.close(ErrNoSession)
	}
}
