package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite usage ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "friendineed.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Usage ---

const usageColumns = `id, created_at, request_id, persona_id, persona_name, provider, model, code, status, latency_ms, client_hash`

// SaveUsage appends a usage record.
func (s *Store) SaveUsage(u UsageRecord) error {
	code := u.Code
	if code == "" {
		code = CodeOK
	}
	_, err := s.db.Exec(`
		INSERT INTO usage (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.CreatedAt.UTC().Format(time.RFC3339), u.RequestID, u.PersonaID, u.PersonaName,
		u.Provider, u.Model, code, u.Status, u.Latency.Milliseconds(), u.ClientHash,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(r rowScanner) (UsageRecord, error) {
	var u UsageRecord
	var createdAt string
	var latencyMS int64
	if err := r.Scan(&u.ID, &createdAt, &u.RequestID, &u.PersonaID, &u.PersonaName,
		&u.Provider, &u.Model, &u.Code, &u.Status, &latencyMS, &u.ClientHash); err != nil {
		return UsageRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	u.Latency = time.Duration(latencyMS) * time.Millisecond
	return u, nil
}

func (s *Store) GetUsage(id string) (UsageRecord, error) {
	u, err := scanUsage(s.db.QueryRow(`SELECT `+usageColumns+` FROM usage WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return UsageRecord{}, ErrNotFound
	}
	return u, err
}

// RecentUsage returns up to limit records, newest first.
func (s *Store) RecentUsage(limit int) ([]UsageRecord, error) {
	rows, err := s.db.Query(`SELECT `+usageColumns+` FROM usage ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// SummaryByProvider aggregates records created at or after since.
func (s *Store) SummaryByProvider(since time.Time) ([]ProviderSummary, error) {
	rows, err := s.db.Query(`
		SELECT provider,
		       COUNT(*),
		       SUM(CASE WHEN code = ? THEN 0 ELSE 1 END),
		       COALESCE(AVG(latency_ms), 0)
		FROM usage
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY provider ASC`,
		CodeOK, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProviderSummary
	for rows.Next() {
		var p ProviderSummary
		var avgMS float64
		if err := rows.Scan(&p.Provider, &p.Requests, &p.Failures, &avgMS); err != nil {
			return nil, err
		}
		p.AvgLatency = time.Duration(avgMS * float64(time.Millisecond))
		results = append(results, p)
	}
	return results, rows.Err()
}

// PruneUsage deletes records created before cutoff and returns how many
// were removed.
func (s *Store) PruneUsage(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
