package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a directory row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a row in the user directory. PasswordHash is only consumed by the
// login endpoint and never leaves the process.
type User struct {
	ID           int64
	Email        string
	Name         string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
}

// Workspace is a row in the workspace directory. The owner is implicitly a
// member of the workspace.
type Workspace struct {
	ID      int64
	Name    string
	OwnerID int64
}

// Directory is the relational side of the service: users, workspaces, and
// workspace membership. The chat core reads it to authorize messages; it
// never mutates membership on a chat path.
type Directory struct {
	db *sql.DB
}

// OpenDirectory opens (or creates) the SQLite database at path and runs the
// schema migration.
func OpenDirectory(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	ctx := context.Background()

	// WAL mode for concurrent readers, busy timeout to avoid
	// "database is locked" under concurrent connection handlers.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	d := &Directory{db: db}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		email         TEXT    NOT NULL UNIQUE CHECK(length(email) > 0),
		name          TEXT    NOT NULL DEFAULT '',
		avatar        TEXT    NOT NULL DEFAULT '',
		password_hash TEXT    NOT NULL,
		created_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	CREATE TABLE IF NOT EXISTS workspaces (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		name     TEXT    NOT NULL CHECK(length(name) > 0),
		owner_id INTEGER NOT NULL REFERENCES users(id)
	);
	CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id INTEGER NOT NULL REFERENCES workspaces(id),
		user_id      INTEGER NOT NULL REFERENCES users(id),
		PRIMARY KEY (workspace_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_members_user ON workspace_members(user_id);
	`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// CreateUser inserts a new user and returns it with its assigned id.
func (d *Directory) CreateUser(ctx context.Context, email, name, passwordHash string) (User, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO users (email, name, password_hash) VALUES (?, ?, ?)`,
		email, name, passwordHash)
	if err != nil {
		return User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Email: email, Name: name, PasswordHash: passwordHash}, nil
}

// UserByEmail returns the user with the given email, or ErrNotFound.
func (d *Directory) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar, password_hash FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// UserExists reports whether a user id is present in the directory.
func (d *Directory) UserExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateWorkspace inserts a workspace owned by ownerID.
func (d *Directory) CreateWorkspace(ctx context.Context, name string, ownerID int64) (Workspace, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO workspaces (name, owner_id) VALUES (?, ?)`, name, ownerID)
	if err != nil {
		return Workspace{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{ID: id, Name: name, OwnerID: ownerID}, nil
}

// AddMember records userID as a member of the workspace. Adding an existing
// member is a no-op.
func (d *Directory) AddMember(ctx context.Context, workspaceID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workspace_members (workspace_id, user_id) VALUES (?, ?)`,
		workspaceID, userID)
	return err
}

// RemoveMember revokes a user's membership. Removing a non-member is a
// no-op; the owner cannot be removed this way.
func (d *Directory) RemoveMember(ctx context.Context, workspaceID, userID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`,
		workspaceID, userID)
	return err
}

// IsMember reports whether userID may read and post in the workspace. The
// owner counts as a member without a workspace_members row.
func (d *Directory) IsMember(ctx context.Context, workspaceID, userID int64) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `
		SELECT 1 FROM workspaces w
		WHERE w.id = ?
		  AND (w.owner_id = ? OR EXISTS (
			SELECT 1 FROM workspace_members m
			WHERE m.workspace_id = w.id AND m.user_id = ?))`,
		workspaceID, userID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Members returns the user ids of everyone in the workspace, owner included.
func (d *Directory) Members(ctx context.Context, workspaceID int64) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT owner_id FROM workspaces WHERE id = ?
		UNION
		SELECT user_id FROM workspace_members WHERE workspace_id = ?`,
		workspaceID, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
