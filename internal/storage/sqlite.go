package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/example/waste-pickup/internal/models"
)

// SQLiteStore persists jobs in a single SQLite file. All access goes through
// one connection, so transactions are serialized; change notifications only
// reach subscribers in this process.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	last time.Time
	now  func() time.Time

	feed *hub
}

// OpenSQLite opens (or creates) pickup.db in dataDir and applies pending
// migrations. Pass ":memory:" for a throwaway database.
func OpenSQLite(dataDir string, logger *slog.Logger) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pickup.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: no "database is locked" and no lost in-memory schema.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if err := migrate(db, "migrations/sqlite", questionMark); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	s.feed = newHub(s.List, logger)
	return s, nil
}

func (s *SQLiteStore) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *SQLiteStore) Create(ctx context.Context, job models.Job) (string, error) {
	j, err := prepareInsert(job, uuid.NewString(), s.stamp())
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sqliteErr("create job", err)
	}
	defer tx.Rollback()

	if j.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE requester_id = ? AND idempotency_key = ?`,
			j.RequesterID, j.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", sqliteErr("create job", err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RequesterID, nullString(j.CollectorID), string(j.Status), j.Name, j.PhoneNumber,
		j.Address, nullFloat(j.GPS.Lat), nullFloat(j.GPS.Lng), j.PickupTime, j.BagCount, j.TotalPrice,
		j.IdempotencyKey, j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return "", sqliteErr("create job", err)
	}
	if err := tx.Commit(); err != nil {
		return "", sqliteErr("create job", err)
	}

	s.feed.notify(j.ID)
	return j.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Job, error) {
	j, err := s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, sqliteErr("get job", err)
	}
	return j, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	where, args := whereClause(f, questionMark)
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, sqliteErr("list jobs", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		j, err := s.scanOne(rows)
		if err != nil {
			return nil, sqliteErr("list jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("list jobs", err)
	}
	return out, nil
}

// Transition runs in an ordinary deferred transaction. The pool holds a single
// connection, so transactions never interleave and the guard always sees the
// last committed document.
func (s *SQLiteStore) Transition(ctx context.Context, id string, guard Guard, mutate Mutation) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, sqliteErr("transition job", err)
	}
	defer tx.Rollback()

	cur, err := s.scanOne(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, sqliteErr("transition job", err)
	}
	if err := guard(cur); err != nil {
		return cur, guardFailed(err)
	}
	next, err := applyMutation(cur, mutate, s.stamp())
	if err != nil {
		return cur, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET collector_id = ?, status = ?, name = ?, phone_number = ?,
		address = ?, gps_lat = ?, gps_lng = ?, pickup_time = ?, updated_at = ? WHERE id = ?`,
		nullString(next.CollectorID), string(next.Status), next.Name, next.PhoneNumber, next.Address,
		nullFloat(next.GPS.Lat), nullFloat(next.GPS.Lng), next.PickupTime, next.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return cur, sqliteErr("transition job", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, sqliteErr("transition job", err)
	}

	s.feed.notify(id)
	return next, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, f Filter, onChange func([]models.Job)) (Unsubscribe, error) {
	return s.feed.subscribe(ctx, f, onChange)
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u models.User) (models.User, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return models.User{}, sqliteErr("upsert user", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &created, &updated)
	if err != nil {
		return models.User{}, sqliteErr("get user", err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	u.UpdatedAt = time.Unix(0, updated).UTC()
	return u, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.feed.close()
	return s.db.Close()
}

func (s *SQLiteStore) scanOne(r rowScanner) (models.Job, error) {
	var row jobRow
	var created, updated int64
	if err := r.Scan(row.dest(&created, &updated)...); err != nil {
		return models.Job{}, err
	}
	j := row.result()
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return j, nil
}

func sqliteErr(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	}
	return unavailable(op, err)
}
