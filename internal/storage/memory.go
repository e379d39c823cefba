package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/waste-pickup/internal/models"
)

// MemoryStore keeps jobs in process. A single mutex makes every Transition
// serializable, which is stronger than the snapshot isolation required.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]models.Job
	keys   map[string]string // requesterID + "\x00" + idempotency key -> job id
	users  map[string]models.User
	last   time.Time
	closed bool

	now  func() time.Time
	feed *hub
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	m := &MemoryStore{
		jobs:  make(map[string]models.Job),
		keys:  make(map[string]string),
		users: make(map[string]models.User),
		now:   time.Now,
	}
	m.feed = newHub(m.List, logger)
	return m
}

// stamp returns a strictly increasing timestamp. Caller holds m.mu.
func (m *MemoryStore) stamp() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}

func (m *MemoryStore) Create(ctx context.Context, job models.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", unavailable("create job", errors.New("store closed"))
	}
	idemKey := ""
	if job.IdempotencyKey != "" {
		idemKey = job.RequesterID + "\x00" + job.IdempotencyKey
		if id, ok := m.keys[idemKey]; ok {
			m.mu.Unlock()
			return id, ErrDuplicate
		}
	}
	j, err := prepareInsert(job, uuid.NewString(), m.stamp())
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.jobs[j.ID] = j
	if idemKey != "" {
		m.keys[idemKey] = j.ID
	}
	m.mu.Unlock()

	m.feed.notify(j.ID)
	return j.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return models.Job{}, unavailable("get job", errors.New("store closed"))
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("list jobs", errors.New("store closed"))
	}
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, guard Guard, mutate Mutation) (models.Job, error) {
	if err := ctx.Err(); err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.Job{}, unavailable("transition job", errors.New("store closed"))
	}
	cur, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return models.Job{}, ErrNotFound
	}
	if err := guard(cur); err != nil {
		m.mu.Unlock()
		return cur, guardFailed(err)
	}
	next, err := applyMutation(cur, mutate, m.stamp())
	if err != nil {
		m.mu.Unlock()
		return cur, err
	}
	m.jobs[id] = next
	m.mu.Unlock()

	m.feed.notify(id)
	return next, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, f Filter, onChange func([]models.Job)) (Unsubscribe, error) {
	return m.feed.subscribe(ctx, f, onChange)
}

func (m *MemoryStore) UpsertUser(ctx context.Context, u models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.User{}, unavailable("upsert user", errors.New("store closed"))
	}
	now := m.now().UTC()
	if prev, ok := m.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

// Subscribers reports how many live subscriptions are registered.
func (m *MemoryStore) Subscribers() int { return m.feed.size() }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feed.close()
	return nil
}
