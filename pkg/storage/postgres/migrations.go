package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create principals table",
			SQL: `
				CREATE TABLE IF NOT EXISTS principals (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL,
					password_hash TEXT NOT NULL,
					is_locked BOOLEAN NOT NULL DEFAULT FALSE,
					failed_attempts INTEGER NOT NULL DEFAULT 0,
					email_verified BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_principals_username ON principals (LOWER(username));
			`,
		},
		{
			Version:     2,
			Description: "Create sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id UUID PRIMARY KEY,
					principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					token_hash CHAR(64) NOT NULL,
					device_info TEXT NOT NULL DEFAULT '',
					ip_address VARCHAR(64) NOT NULL DEFAULT '',
					issued_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
					revoked_at TIMESTAMPTZ
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions (token_hash);
				CREATE INDEX IF NOT EXISTS idx_sessions_principal_active ON sessions (principal_id) WHERE is_revoked = FALSE;
				CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);
			`,
		},
		{
			Version:     3,
			Description: "Create roles, permissions and grants",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					display_order INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					category VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS role_hierarchy (
					parent_role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					child_role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					inheritance_level INTEGER NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (parent_role_id, child_role_id),
					CHECK (parent_role_id <> child_role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_hierarchy_child ON role_hierarchy (child_role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id BIGSERIAL PRIMARY KEY,
					principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id),
					start_date TIMESTAMPTZ,
					end_date TIMESTAMPTZ,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					assigned_by BIGINT NOT NULL,
					assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					notes TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_principal ON role_assignments (principal_id) WHERE is_active = TRUE;
				CREATE INDEX IF NOT EXISTS idx_role_assignments_role ON role_assignments (role_id);
			`,
		},
		{
			Version:     5,
			Description: "Create audit_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_records (
					id BIGSERIAL PRIMARY KEY,
					action_type VARCHAR(100) NOT NULL,
					performed_by BIGINT NOT NULL,
					target_role_id BIGINT,
					target_permission_id BIGINT,
					target_principal_id BIGINT,
					old_value_json TEXT,
					new_value_json TEXT,
					ip_address VARCHAR(64) NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_records_created_at ON audit_records (created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_records_target_role ON audit_records (target_role_id);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in iam_migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS iam_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM iam_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate applied migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO iam_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applied migration")
	}

	return nil
}
