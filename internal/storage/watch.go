package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/observability"
)

// anyJob marks a change whose job id is unknown (for example after a feed
// reconnect); every subscription requeries and delivers.
const anyJob = "*"

type lister func(ctx context.Context, f Filter) ([]models.Job, error)

// hub fans store changes out to live subscriptions. Each subscription owns
// one goroutine, so its callbacks never overlap and always see the latest
// committed state at requery time.
type hub struct {
	list   lister
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	filter   Filter
	onChange func([]models.Job)

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newHub(list lister, logger *slog.Logger) *hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{list: list, logger: logger, ctx: ctx, cancel: cancel, subs: make(map[uint64]*subscription)}
}

func (h *hub) subscribe(ctx context.Context, f Filter, onChange func([]models.Job)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, errors.New("subscribe: nil callback")
	}
	s := &subscription{
		filter:   f,
		onChange: onChange,
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	// Register before the initial read so no commit can fall in between.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, unavailable("subscribe", errors.New("store closed"))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	initial, err := h.list(ctx, f)
	if err != nil {
		h.remove(id)
		return nil, err
	}

	h.wg.Add(1)
	observability.ActiveSubscriptions.Inc()
	go h.run(s, initial)

	return func() {
		s.stop()
		h.remove(id)
	}, nil
}

func (h *hub) run(s *subscription, initial []models.Job) {
	defer h.wg.Done()
	defer observability.ActiveSubscriptions.Dec()

	current := idSet(initial)
	if !s.deliver(initial) {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		changed := s.drain()

		ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
		jobs, err := h.list(ctx, s.filter)
		cancel()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.logger.Warn("subscription requery failed", "filter", s.filter.String(), "error", err)
			select {
			case <-s.done:
				return
			case <-time.After(time.Second):
			}
			s.mark(changed)
			continue
		}
		next := idSet(jobs)
		touched := touches(changed, current, next)
		current = next
		if touched && !s.deliver(jobs) {
			return
		}
	}
}

// notify records that the given jobs changed.
func (h *hub) notify(ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.markIDs(ids)
	}
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// close stops every subscription and waits for their goroutines.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	h.cancel()
	h.wg.Wait()
}

func (s *subscription) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscription) deliver(jobs []models.Job) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.onChange(jobs)
	return true
}

func (s *subscription) markIDs(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		s.pending[id] = struct{}{}
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) mark(ids map[string]struct{}) {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	s.markIDs(list)
}

func (s *subscription) drain() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = make(map[string]struct{})
	return out
}

func idSet(jobs []models.Job) map[string]struct{} {
	out := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		out[j.ID] = struct{}{}
	}
	return out
}

func touches(changed, before, after map[string]struct{}) bool {
	for id := range changed {
		if id == anyJob {
			return true
		}
		if _, ok := before[id]; ok {
			return true
		}
		if _, ok := after[id]; ok {
			return true
		}
	}
	return false
}
