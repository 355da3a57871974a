package migrations

import (
	"database/sql"
	"fmt"
	"strings"

	migrate "github.com/rubenv/sql-migrate"
)

const (
	migrationTableName = "schema_migrations"
	dialect            = "postgres"
)

func init() {
	migrate.SetTable(migrationTableName)
}

// Migrator applies and reverts schema migrations.
type Migrator struct {
	db                 *sql.DB
	skipPostDeployment bool
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// SkipPostDeployment excludes post deployment migrations from Up operations.
func SkipPostDeployment() MigratorOption {
	return func(m *Migrator) {
		m.skipPostDeployment = true
	}
}

// NewMigrator builds a Migrator for db.
func NewMigrator(db *sql.DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{db: db}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Migrator) source(direction migrate.MigrationDirection) migrate.MigrationSource {
	mm := allMigrations
	if direction == migrate.Up && m.skipPostDeployment {
		mm = NonPostDeployment()
	}

	src := &migrate.MemoryMigrationSource{}
	for _, v := range mm {
		src.Migrations = append(src.Migrations, v.Migration)
	}
	return src
}

// versionFromID splits a migration ID in the form of `<version>_<name>` and returns version.
func versionFromID(id string) string {
	return strings.Split(id, "_")[0]
}

// Version returns the current applied migration version (if any).
func (m *Migrator) Version() (string, error) {
	records, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	return versionFromID(records[len(records)-1].Id), nil
}

// LatestVersion identifies the version of the most recent migration in the repository (if any).
func (m *Migrator) LatestVersion() (string, error) {
	all, err := m.source(migrate.Down).FindMigrations()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", nil
	}

	return versionFromID(all[len(all)-1].Id), nil
}

func (m *Migrator) migrate(direction migrate.MigrationDirection, limit int) (int, error) {
	return migrate.ExecMax(m.db, dialect, m.source(direction), direction, limit)
}

// Up applies all pending up migrations and returns how many were applied.
func (m *Migrator) Up() (int, error) {
	return m.migrate(migrate.Up, 0)
}

// UpN applies up to n pending up migrations. All pending migrations are applied if n is 0.
func (m *Migrator) UpN(n int) (int, error) {
	return m.migrate(migrate.Up, n)
}

// UpNPlan returns the IDs of the migrations UpN(n) would apply.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	planned, _, err := migrate.PlanMigration(m.db, dialect, m.source(migrate.Up), migrate.Up, n)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}
	return ids, nil
}

// Down reverts all applied migrations.
func (m *Migrator) Down() (int, error) {
	return m.migrate(migrate.Down, 0)
}

// DownN reverts up to n applied migrations.
func (m *Migrator) DownN(n int) (int, error) {
	return m.migrate(migrate.Down, n)
}

// MigrationStatus describes whether a known migration was applied.
type MigrationStatus struct {
	Unknown   bool
	AppliedAt string
}

// Status returns the status of every known or applied migration, keyed by ID.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading migration records: %w", err)
	}

	known := make(map[string]bool, len(allMigrations))
	statuses := make(map[string]*MigrationStatus, len(allMigrations))
	for _, v := range allMigrations {
		known[v.Id] = true
		statuses[v.Id] = &MigrationStatus{}
	}
	for _, r := range records {
		s := &MigrationStatus{AppliedAt: r.AppliedAt.String()}
		if !known[r.Id] {
			s.Unknown = true
		}
		statuses[r.Id] = s
	}

	return statuses, nil
}
