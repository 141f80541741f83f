// Package registry owns the registered custom graph scripts: their
// on-disk files under <data_path>/custom-graph-scripts and the
// registration rows in a local sqlite database.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hostbeat/agent/internal/graphs"
	"github.com/hostbeat/agent/internal/script"
)

const scriptsDir = "custom-graph-scripts"

// ErrInvalidGraphID rejects graph ids unsafe to embed in a file name.
var ErrInvalidGraphID = errors.New("invalid graph id")

var validGraphID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

var _ graphs.Registry = (*Store)(nil)

type hashEntry struct {
	size  int64
	mtime time.Time
	hash  string
}

// Store implements graphs.Registry backed by script files plus a
// sqlite registration table. Content hashes are cached keyed by file
// size and mtime, so unchanged scripts are not re-read on every flush.
type Store struct {
	db  *sql.DB
	dir string

	mu     sync.Mutex
	hashes map[string]hashEntry
}

// Open prepares the scripts directory and the registration database
// under dataPath.
func Open(ctx context.Context, dataPath string) (*Store, error) {
	dir := filepath.Join(dataPath, scriptsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scripts directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataPath, "registry.db"))
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS graphs (
			graph_id TEXT PRIMARY KEY,
			interpreter TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		dir:    dir,
		hashes: make(map[string]hashEntry),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ScriptPath returns where the script for a graph id lives on disk.
func (s *Store) ScriptPath(graphID string) string {
	return filepath.Join(s.dir, "graph-"+graphID)
}

// Register creates or overwrites the script for a graph id and persists
// the registration. The content is written to a temporary file, chowned
// to the owner and restricted before any content lands, and renamed
// into place last: a previously registered script survives every error
// branch untouched.
func (s *Store) Register(ctx context.Context, graphID, owner, interpreter, code string) error {
	if !validGraphID.MatchString(graphID) {
		return fmt.Errorf("%w: %q", ErrInvalidGraphID, graphID)
	}

	var ident script.Identity
	if owner != "" {
		var err error
		ident, err = script.LookupIdentity(owner)
		if err != nil {
			return fmt.Errorf("resolving owner %q: %w", owner, err)
		}
	}

	f, err := os.CreateTemp(s.dir, "graph-*.tmp")
	if err != nil {
		return fmt.Errorf("creating script file: %w", err)
	}
	tmp := f.Name()
	abort := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}

	if owner != "" {
		if err := f.Chown(int(ident.UID), int(ident.GID)); err != nil {
			return abort(fmt.Errorf("chowning script file: %w", err))
		}
	}
	if err := f.Chmod(0o700); err != nil {
		return abort(fmt.Errorf("restricting script file: %w", err))
	}
	if _, err := io.WriteString(f, script.FileBody(interpreter, code)); err != nil {
		return abort(fmt.Errorf("writing script file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing script file: %w", err)
	}
	if err := os.Rename(tmp, s.ScriptPath(graphID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing script file: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (graph_id, interpreter, owner, updated_at) VALUES (?,?,?,?)
		 ON CONFLICT(graph_id) DO UPDATE SET
			interpreter = excluded.interpreter,
			owner = excluded.owner,
			updated_at = excluded.updated_at`,
		graphID, interpreter, owner, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}

	s.mu.Lock()
	delete(s.hashes, graphID)
	s.mu.Unlock()
	return nil
}

// Remove deletes a registration and its script file. Removing an
// unknown graph id succeeds.
func (s *Store) Remove(ctx context.Context, graphID string) error {
	if !validGraphID.MatchString(graphID) {
		return fmt.Errorf("%w: %q", ErrInvalidGraphID, graphID)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE graph_id=?`, graphID); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	path := s.ScriptPath(graphID)
	// the file may be owned by another user, make it writable first
	_ = os.Chmod(path, 0o700)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing script file: %w", err)
	}

	s.mu.Lock()
	delete(s.hashes, graphID)
	s.mu.Unlock()
	return nil
}

// Snapshot implements graphs.Registry.
func (s *Store) Snapshot(ctx context.Context) (map[string]graphs.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT graph_id, interpreter, owner FROM graphs`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := make(map[string]graphs.Registration)
	for rows.Next() {
		var id, interpreter, owner string
		if err := rows.Scan(&id, &interpreter, &owner); err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		ret[id] = graphs.Registration{
			GraphID:     id,
			ScriptPath:  s.ScriptPath(id),
			Interpreter: interpreter,
			Owner:       owner,
		}
	}
	return ret, rows.Err()
}

// Code implements graphs.Registry.
func (s *Store) Code(ctx context.Context, graphID string) (string, string, error) {
	if err := s.mustBeRegistered(ctx, graphID); err != nil {
		return "", "", err
	}
	body, err := os.ReadFile(s.ScriptPath(graphID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", graphs.ErrNotRegistered
	}
	if err != nil {
		return "", "", fmt.Errorf("reading script file: %w", err)
	}
	_, code := script.SplitBody(string(body))
	return code, hashCode(code), nil
}

// ContentHash implements graphs.Registry.
func (s *Store) ContentHash(ctx context.Context, graphID string) (string, error) {
	if err := s.mustBeRegistered(ctx, graphID); err != nil {
		return "", err
	}

	path := s.ScriptPath(graphID)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", graphs.ErrNotRegistered
	}
	if err != nil {
		return "", fmt.Errorf("stating script file: %w", err)
	}

	s.mu.Lock()
	if e, ok := s.hashes[graphID]; ok && e.size == info.Size() && e.mtime.Equal(info.ModTime()) {
		s.mu.Unlock()
		return e.hash, nil
	}
	s.mu.Unlock()

	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script file: %w", err)
	}
	_, code := script.SplitBody(string(body))
	h := hashCode(code)

	s.mu.Lock()
	s.hashes[graphID] = hashEntry{size: info.Size(), mtime: info.ModTime(), hash: h}
	s.mu.Unlock()
	return h, nil
}

func (s *Store) mustBeRegistered(ctx context.Context, graphID string) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM graphs WHERE graph_id=?`, graphID)
	var one int
	err := row.Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return graphs.ErrNotRegistered
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	return nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
