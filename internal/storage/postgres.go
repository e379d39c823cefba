package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/waste-pickup/internal/models"
)

// changeChannel is the LISTEN/NOTIFY channel every job write announces
// itself on, so each API replica's subscriptions see every other replica's
// commits.
const changeChannel = "job_changes"

type PostgresOptions struct {
	Migrate bool
	Logger  *slog.Logger
}

type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *slog.Logger
	feed     *hub
	stop     chan struct{}
	done     chan struct{}
}

func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("ping postgres", err)
	}
	if opts.Migrate {
		if err := migrate(db, "migrations/postgres", dollar); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	p := &PostgresStore{db: db, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
	p.feed = newHub(p.List, logger)

	p.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := p.listener.Listen(changeChannel); err != nil {
		p.listener.Close()
		db.Close()
		return nil, unavailable("listen "+changeChannel, err)
	}
	go p.relay()
	return p, nil
}

// relay forwards notifications to the subscription hub. pq sends a nil
// notification after reconnecting; anything may have changed meanwhile.
func (p *PostgresStore) relay() {
	defer close(p.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-p.stop:
			return
		case n := <-p.listener.Notify:
			if n == nil {
				p.feed.notify(anyJob)
				continue
			}
			p.feed.notify(n.Extra)
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				p.logger.Warn("postgres listener ping failed", "error", err)
			}
		}
	}
}

func (p *PostgresStore) Create(ctx context.Context, job models.Job) (string, error) {
	j, err := prepareInsert(job, uuid.NewString(), time.Now())
	if err != nil {
		return "", err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", pgErr("create job", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `INSERT INTO jobs (id, requester_id, collector_id, status, name, phone_number,
			address, gps_lat, gps_lng, pickup_time, bag_count, total_price, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (requester_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING
		RETURNING id`,
		j.ID, j.RequesterID, nullString(j.CollectorID), string(j.Status), j.Name, j.PhoneNumber,
		j.Address, nullFloat(j.GPS.Lat), nullFloat(j.GPS.Lng), j.PickupTime, j.BagCount, j.TotalPrice,
		j.IdempotencyKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate submission: hand back the job created the first time.
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE requester_id = $1 AND idempotency_key = $2`,
			j.RequesterID, j.IdempotencyKey,
		).Scan(&id)
		if err != nil {
			return "", pgErr("create job", err)
		}
		if err := tx.Commit(); err != nil {
			return "", pgErr("create job", err)
		}
		return id, ErrDuplicate
	}
	if err != nil {
		return "", pgErr("create job", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, id); err != nil {
		return "", pgErr("create job", err)
	}
	if err := tx.Commit(); err != nil {
		return "", pgErr("create job", err)
	}
	return id, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Job, error) {
	j, err := scanPG(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, pgErr("get job", err)
	}
	return j, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	where, args := whereClause(f, dollar)
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, pgErr("list jobs", err)
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		j, err := scanPG(rows)
		if err != nil {
			return nil, pgErr("list jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list jobs", err)
	}
	return out, nil
}

// Transition locks the row with SELECT ... FOR UPDATE, so a concurrent
// transition on the same job waits and then re-evaluates its guard against
// the committed result.
func (p *PostgresStore) Transition(ctx context.Context, id string, guard Guard, mutate Mutation) (models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, pgErr("transition job", err)
	}
	defer tx.Rollback()

	cur, err := scanPG(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, pgErr("transition job", err)
	}
	if err := guard(cur); err != nil {
		return cur, guardFailed(err)
	}
	next, err := applyMutation(cur, mutate, time.Now())
	if err != nil {
		return cur, err
	}

	err = tx.QueryRowContext(ctx, `UPDATE jobs SET collector_id = $1, status = $2, name = $3, phone_number = $4,
			address = $5, gps_lat = $6, gps_lng = $7, pickup_time = $8, updated_at = clock_timestamp()
		WHERE id = $9 RETURNING updated_at`,
		nullString(next.CollectorID), string(next.Status), next.Name, next.PhoneNumber, next.Address,
		nullFloat(next.GPS.Lat), nullFloat(next.GPS.Lng), next.PickupTime, id,
	).Scan(&next.UpdatedAt)
	if err != nil {
		return cur, pgErr("transition job", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, id); err != nil {
		return cur, pgErr("transition job", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, pgErr("transition job", err)
	}
	return next, nil
}

func (p *PostgresStore) Subscribe(ctx context.Context, f Filter, onChange func([]models.Job)) (Unsubscribe, error) {
	return p.feed.subscribe(ctx, f, onChange)
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u models.User) (models.User, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = now()
		RETURNING created_at, updated_at`,
		u.ID, u.DisplayName,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return models.User{}, pgErr("upsert user", err)
	}
	return u, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `SELECT id, display_name, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return models.User{}, pgErr("get user", err)
	}
	return u, nil
}

// Ping reports whether the database answers.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	close(p.stop)
	<-p.done
	p.feed.close()
	lerr := p.listener.Close()
	return errors.Join(lerr, p.db.Close())
}

func scanPG(r rowScanner) (models.Job, error) {
	var row jobRow
	var created, updated time.Time
	if err := r.Scan(row.dest(&created, &updated)...); err != nil {
		return models.Job{}, err
	}
	j := row.result()
	j.CreatedAt = created.UTC()
	j.UpdatedAt = updated.UTC()
	return j, nil
}

func pgErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) && pqe.Code.Class() == "23" {
		return fmt.Errorf("%s: %w: %s", op, ErrSchema, pqe.Message)
	}
	return unavailable(op, err)
}
