package migrations

import (
	migrate "github.com/rubenv/sql-migrate"
)

var allMigrations []*Migration

// Migration is a schema migration. Post deployment migrations may be skipped during a deployment and applied
// once all instances run the new version.
type Migration struct {
	*migrate.Migration
	PostDeployment bool
}

// All returns every known migration, in the order they were registered.
func All() []*Migration {
	return allMigrations
}

// NonPostDeployment returns the migrations that must be applied before a deployment.
func NonPostDeployment() []*Migration {
	var mm []*Migration
	for _, m := range allMigrations {
		if !m.PostDeployment {
			mm = append(mm, m)
		}
	}
	return mm
}
