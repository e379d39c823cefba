package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/example/waste-pickup/internal/models"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const jobColumns = `id, requester_id, collector_id, status, name, phone_number, address,
	gps_lat, gps_lng, pickup_time, bag_count, total_price, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// jobRow adapts nullable columns. created and updated are supplied by the
// dialect because SQLite keeps unix nanos and Postgres keeps timestamptz.
type jobRow struct {
	job       models.Job
	collector sql.NullString
	lat, lng  sql.NullFloat64
	status    string
}

func (r *jobRow) dest(created, updated any) []any {
	return []any{
		&r.job.ID, &r.job.RequesterID, &r.collector, &r.status, &r.job.Name, &r.job.PhoneNumber,
		&r.job.Address, &r.lat, &r.lng, &r.job.PickupTime, &r.job.BagCount, &r.job.TotalPrice,
		&r.job.IdempotencyKey, created, updated,
	}
}

func (r *jobRow) result() models.Job {
	j := r.job
	j.Status = models.Status(r.status)
	j.CollectorID = r.collector.String
	if r.lat.Valid {
		v := r.lat.Float64
		j.GPS.Lat = &v
	}
	if r.lng.Valid {
		v := r.lng.Float64
		j.GPS.Lng = &v
	}
	return j
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// whereClause renders f with the dialect's placeholder style.
func whereClause(f Filter, bind func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(col, v string) {
		args = append(args, v)
		conds = append(conds, col+" = "+bind(len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.RequesterID != "" {
		add("requester_id", f.RequesterID)
	}
	if f.CollectorID != "" {
		add("collector_id", f.CollectorID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// migrate applies embedded migrations from dir that are not yet recorded in
// schema_version.
func migrate(db *sql.DB, dir string, bind func(int) string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = "+bind(1), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES ("+bind(1)+")", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}
