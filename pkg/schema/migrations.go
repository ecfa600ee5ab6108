// Package schema owns the relational schema shared by every bastion store and
// the migration runner that installs it.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// Dialect selects SQL variants where Postgres and SQLite differ.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

func (m Migration) sql(d Dialect) string {
	if d == SQLite {
		return m.SQLite
	}
	return m.Postgres
}

// GetMigrations returns all migrations in version order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create people and users tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS people (
					id BIGSERIAL PRIMARY KEY,
					id_card VARCHAR(20) NOT NULL UNIQUE,
					names VARCHAR(255) NOT NULL,
					surnames VARCHAR(255) NOT NULL,
					position VARCHAR(255),
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL UNIQUE,
					password_hash VARCHAR(255) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					person_id BIGINT REFERENCES people(id) ON DELETE SET NULL,
					disabled_at TIMESTAMPTZ,
					deleted_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_users_deleted_at ON users(deleted_at);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS people (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					id_card TEXT NOT NULL UNIQUE,
					names TEXT NOT NULL,
					surnames TEXT NOT NULL,
					position TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					email TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					person_id INTEGER REFERENCES people(id) ON DELETE SET NULL,
					disabled_at TIMESTAMP,
					deleted_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create permission and role graph",
			Postgres: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					guard_name VARCHAR(50) NOT NULL DEFAULT 'web',
					set_menu BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					guard_name VARCHAR(50) NOT NULL DEFAULT 'web',
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS role_has_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_has_roles (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE RESTRICT,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS user_has_permissions (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					PRIMARY KEY (user_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_has_roles_role ON user_has_roles(role_id);
				CREATE INDEX IF NOT EXISTS idx_user_has_permissions_permission ON user_has_permissions(permission_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS permissions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					guard_name TEXT NOT NULL DEFAULT 'web',
					set_menu BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS roles (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					guard_name TEXT NOT NULL DEFAULT 'web',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS role_has_permissions (
					role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_has_roles (
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE RESTRICT,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS user_has_permissions (
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					PRIMARY KEY (user_id, permission_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Protect the root role",
			Postgres: `
				CREATE OR REPLACE FUNCTION protect_root_role() RETURNS trigger AS $$
				BEGIN
					IF TG_TABLE_NAME = 'roles' THEN
						IF OLD.id = 1 THEN
							RAISE EXCEPTION 'the root role is immutable';
						END IF;
					ELSIF TG_OP = 'DELETE' THEN
						IF OLD.role_id = 1 THEN
							RAISE EXCEPTION 'the root role is immutable';
						END IF;
					ELSIF NEW.role_id = 1 THEN
						RAISE EXCEPTION 'the root role is immutable';
					END IF;
					IF TG_OP = 'DELETE' THEN
						RETURN OLD;
					END IF;
					RETURN NEW;
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS roles_protect_root ON roles;
				CREATE TRIGGER roles_protect_root
					BEFORE UPDATE OR DELETE ON roles
					FOR EACH ROW EXECUTE FUNCTION protect_root_role();

				DROP TRIGGER IF EXISTS role_has_permissions_protect_root ON role_has_permissions;
				CREATE TRIGGER role_has_permissions_protect_root
					BEFORE INSERT OR UPDATE OR DELETE ON role_has_permissions
					FOR EACH ROW EXECUTE FUNCTION protect_root_role();
			`,
			SQLite: `
				CREATE TRIGGER IF NOT EXISTS roles_protect_root_update
				BEFORE UPDATE ON roles WHEN OLD.id = 1
				BEGIN SELECT RAISE(ABORT, 'the root role is immutable'); END;

				CREATE TRIGGER IF NOT EXISTS roles_protect_root_delete
				BEFORE DELETE ON roles WHEN OLD.id = 1
				BEGIN SELECT RAISE(ABORT, 'the root role is immutable'); END;

				CREATE TRIGGER IF NOT EXISTS role_has_permissions_protect_root_insert
				BEFORE INSERT ON role_has_permissions WHEN NEW.role_id = 1
				BEGIN SELECT RAISE(ABORT, 'the root role is immutable'); END;

				CREATE TRIGGER IF NOT EXISTS role_has_permissions_protect_root_delete
				BEFORE DELETE ON role_has_permissions WHEN OLD.role_id = 1
				BEGIN SELECT RAISE(ABORT, 'the root role is immutable'); END;
			`,
		},
		{
			Version:     4,
			Description: "Create organizations and organizational units",
			Postgres: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					rif VARCHAR(20) NOT NULL,
					logo VARCHAR(512),
					disabled_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_single_active
					ON organizations ((disabled_at IS NULL)) WHERE disabled_at IS NULL;

				CREATE TABLE IF NOT EXISTS organizational_units (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE RESTRICT,
					parent_id BIGINT REFERENCES organizational_units(id) ON DELETE RESTRICT,
					name VARCHAR(255) NOT NULL,
					code VARCHAR(50),
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_organizational_units_parent ON organizational_units(parent_id);

				CREATE TABLE IF NOT EXISTS organizational_unit_user (
					organizational_unit_id BIGINT NOT NULL REFERENCES organizational_units(id) ON DELETE RESTRICT,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					disabled_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (organizational_unit_id, user_id)
				);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS organizations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					rif TEXT NOT NULL,
					logo TEXT,
					disabled_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_single_active
					ON organizations ((disabled_at IS NULL)) WHERE disabled_at IS NULL;

				CREATE TABLE IF NOT EXISTS organizational_units (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE RESTRICT,
					parent_id INTEGER REFERENCES organizational_units(id) ON DELETE RESTRICT,
					name TEXT NOT NULL,
					code TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS organizational_unit_user (
					organizational_unit_id INTEGER NOT NULL REFERENCES organizational_units(id) ON DELETE RESTRICT,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					disabled_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (organizational_unit_id, user_id)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create append-only activity log",
			Postgres: `
				CREATE TABLE IF NOT EXISTS activity_log (
					id BIGSERIAL PRIMARY KEY,
					log_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL,
					event VARCHAR(100) NOT NULL,
					subject_type VARCHAR(100),
					subject_id BIGINT,
					causer_type VARCHAR(100),
					causer_id BIGINT,
					causer_name VARCHAR(255),
					properties JSONB NOT NULL DEFAULT '{}',
					search_text TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_activity_log_created_at ON activity_log(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_activity_log_log_name ON activity_log(log_name);
				CREATE INDEX IF NOT EXISTS idx_activity_log_event ON activity_log(event);
				CREATE INDEX IF NOT EXISTS idx_activity_log_subject ON activity_log(subject_type, subject_id);
				CREATE INDEX IF NOT EXISTS idx_activity_log_causer ON activity_log(causer_type, causer_id);

				CREATE OR REPLACE FUNCTION activity_log_append_only() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'the activity log is append-only';
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS activity_log_no_mutation ON activity_log;
				CREATE TRIGGER activity_log_no_mutation
					BEFORE UPDATE OR DELETE ON activity_log
					FOR EACH ROW EXECUTE FUNCTION activity_log_append_only();
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS activity_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					log_name TEXT NOT NULL,
					description TEXT NOT NULL,
					event TEXT NOT NULL,
					subject_type TEXT,
					subject_id INTEGER,
					causer_type TEXT,
					causer_id INTEGER,
					causer_name TEXT,
					properties TEXT NOT NULL DEFAULT '{}',
					search_text TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);

				CREATE TRIGGER IF NOT EXISTS activity_log_no_update
				BEFORE UPDATE ON activity_log
				BEGIN SELECT RAISE(ABORT, 'the activity log is append-only'); END;

				CREATE TRIGGER IF NOT EXISTS activity_log_no_delete
				BEFORE DELETE ON activity_log
				BEGIN SELECT RAISE(ABORT, 'the activity log is append-only'); END;
			`,
		},
		{
			Version:     6,
			Description: "Create notifications and employee directory",
			Postgres: `
				CREATE TABLE IF NOT EXISTS notifications (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					kind VARCHAR(100) NOT NULL,
					data JSONB NOT NULL DEFAULT '{}',
					read_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at);

				CREATE TABLE IF NOT EXISTS employees (
					id_card VARCHAR(20) PRIMARY KEY,
					names VARCHAR(255) NOT NULL,
					surnames VARCHAR(255) NOT NULL,
					position VARCHAR(255),
					email VARCHAR(255)
				);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS notifications (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					data TEXT NOT NULL DEFAULT '{}',
					read_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS employees (
					id_card TEXT PRIMARY KEY,
					names TEXT NOT NULL,
					surnames TEXT NOT NULL,
					position TEXT,
					email TEXT
				);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
			"dialect":     dialect.String(),
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.sql(dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
