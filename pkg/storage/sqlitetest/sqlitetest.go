// Package sqlitetest opens in-memory SQLite databases carrying the spoke-iam
// schema so store tests can run without PostgreSQL.
package sqlitetest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// Schema mirrors pkg/storage/postgres migrations in SQLite syntax
const Schema = `
	CREATE TABLE principals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		principal_id INTEGER NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		device_info TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMP
	);

	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		display_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE role_permissions (
		role_id INTEGER NOT NULL,
		permission_id INTEGER NOT NULL,
		PRIMARY KEY (role_id, permission_id)
	);

	CREATE TABLE role_hierarchy (
		parent_role_id INTEGER NOT NULL,
		child_role_id INTEGER NOT NULL,
		inheritance_level INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (parent_role_id, child_role_id)
	);

	CREATE TABLE role_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		start_date TIMESTAMP,
		end_date TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		assigned_by INTEGER NOT NULL,
		assigned_at TIMESTAMP NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_type TEXT NOT NULL,
		performed_by INTEGER NOT NULL,
		target_role_id INTEGER,
		target_permission_id INTEGER,
		target_principal_id INTEGER,
		old_value_json TEXT,
		new_value_json TEXT,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
`

// Open returns an in-memory database with Schema applied. The pool is pinned
// to one connection because every new :memory: connection is a new database.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}
