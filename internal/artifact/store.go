package artifact

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"triform/internal/core"
)

var ErrInvalidName = errors.New("invalid artifact name")

// Store keeps job artifacts on the local filesystem under
// <root>/jobs/<jobID>/ and maintains a sqlite index of completed jobs so the
// gallery survives process restarts independently of the in-memory job
// store.
type Store struct {
	root string
	db   *sql.DB
}

func Open(root, indexPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}

	db, err := sql.Open("sqlite3", indexPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completed_jobs (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			image_count INTEGER NOT NULL,
			obj_size INTEGER NOT NULL DEFAULT 0,
			stl_size INTEGER NOT NULL DEFAULT 0,
			video_size INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create completed_jobs table: %w", err)
	}

	return &Store{root: root, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// JobDir returns the absolute directory holding a job's artifacts.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", filepath.Base(jobID))
}

func (s *Store) resolve(jobID, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return filepath.Join(s.JobDir(jobID), clean), nil
}

// Put writes an artifact, creating parent directories as needed, and
// returns the byte count written.
func (s *Store) Put(jobID, name string, r io.Reader) (int64, error) {
	abs, err := s.resolve(jobID, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(abs)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, r)
}

func (s *Store) Open(jobID, name string) (*os.File, error) {
	abs, err := s.resolve(jobID, name)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (s *Store) Exists(jobID, name string) bool {
	abs, err := s.resolve(jobID, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// Size returns the artifact's byte count, zero when absent.
func (s *Store) Size(jobID, name string) int64 {
	abs, err := s.resolve(jobID, name)
	if err != nil {
		return 0
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0
	}
	return info.Size()
}

// DeleteJob removes the job's artifact directory and its index row.
// Deleting an unknown job is a no-op.
func (s *Store) DeleteJob(jobID string) error {
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM completed_jobs WHERE id = ?", filepath.Base(jobID)); err != nil {
		return fmt.Errorf("remove index row: %w", err)
	}
	return nil
}

// IndexCompleted records a finished job in the durable gallery index.
// Re-indexing the same id overwrites the previous row.
func (s *Store) IndexCompleted(entry core.CompletedJob) error {
	_, err := s.db.Exec(`
		INSERT INTO completed_jobs (id, created_at, image_count, obj_size, stl_size, video_size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			image_count = excluded.image_count,
			obj_size = excluded.obj_size,
			stl_size = excluded.stl_size,
			video_size = excluded.video_size
	`, entry.ID, entry.CreatedAt, entry.ImageCount, entry.OBJSize, entry.STLSize, entry.VideoSize)
	if err != nil {
		return fmt.Errorf("index completed job: %w", err)
	}
	return nil
}

// GetCompleted looks up one index entry.
func (s *Store) GetCompleted(jobID string) (core.CompletedJob, error) {
	var entry core.CompletedJob
	err := s.db.QueryRow(`
		SELECT id, created_at, image_count, obj_size, stl_size, video_size
		FROM completed_jobs WHERE id = ?
	`, jobID).Scan(&entry.ID, &entry.CreatedAt, &entry.ImageCount, &entry.OBJSize, &entry.STLSize, &entry.VideoSize)
	if err == sql.ErrNoRows {
		return core.CompletedJob{}, core.ErrNotFound
	}
	if err != nil {
		return core.CompletedJob{}, fmt.Errorf("query completed job: %w", err)
	}
	return entry, nil
}

// ListCompleted returns completed jobs newest-first with pagination.
func (s *Store) ListCompleted(limit, offset int) ([]core.CompletedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT id, created_at, image_count, obj_size, stl_size, video_size
		FROM completed_jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query completed jobs: %w", err)
	}
	defer rows.Close()

	var out []core.CompletedJob
	for rows.Next() {
		var entry core.CompletedJob
		if err := rows.Scan(&entry.ID, &entry.CreatedAt, &entry.ImageCount,
			&entry.OBJSize, &entry.STLSize, &entry.VideoSize); err != nil {
			return nil, fmt.Errorf("scan completed job: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CountCompleted returns the total number of indexed completed jobs.
func (s *Store) CountCompleted() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM completed_jobs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count completed jobs: %w", err)
	}
	return n, nil
}
