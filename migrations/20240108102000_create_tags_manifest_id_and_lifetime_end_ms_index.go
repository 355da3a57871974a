package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108102000_create_tags_manifest_id_and_lifetime_end_ms_index",
			Up: []string{
				"CREATE INDEX IF NOT EXISTS index_tags_on_manifest_id_and_lifetime_end_ms ON tags USING btree (manifest_id, lifetime_end_ms)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_tags_on_manifest_id_and_lifetime_end_ms CASCADE",
			},
		},
		PostDeployment: true,
	}

	allMigrations = append(allMigrations, m)
}
