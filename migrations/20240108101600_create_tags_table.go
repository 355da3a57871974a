package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101600_create_tags_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS tags (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					manifest_id bigint NOT NULL,
					name text NOT NULL,
					lifetime_start_ms bigint NOT NULL,
					lifetime_end_ms bigint,
					hidden boolean NOT NULL DEFAULT FALSE,
					reversion boolean NOT NULL DEFAULT FALSE,
					tag_kind smallint NOT NULL DEFAULT 1,
					CONSTRAINT pk_tags PRIMARY KEY (id),
					CONSTRAINT fk_tags_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_tags_manifest_id_manifests FOREIGN KEY (manifest_id) REFERENCES manifests (id),
					CONSTRAINT check_tags_lifetime CHECK ((lifetime_end_ms IS NULL OR lifetime_start_ms <= lifetime_end_ms))
				)`,
				"CREATE INDEX IF NOT EXISTS index_tags_on_repository_id_and_name ON tags USING btree (repository_id, name)",
				"CREATE INDEX IF NOT EXISTS index_tags_on_repository_id_and_lifetime_end_ms ON tags USING btree (repository_id, lifetime_end_ms)",
				"CREATE INDEX IF NOT EXISTS index_tags_on_manifest_id ON tags USING btree (manifest_id)",
				"CREATE INDEX IF NOT EXISTS index_tags_on_lifetime_end_ms ON tags USING btree (lifetime_end_ms) WHERE lifetime_end_ms IS NOT NULL",
				"CREATE UNIQUE INDEX IF NOT EXISTS unique_index_tags_on_repository_id_and_name_alive_visible ON tags USING btree (repository_id, name) WHERE lifetime_end_ms IS NULL AND hidden = FALSE",
				`CREATE TABLE IF NOT EXISTS tag_notification_successes (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					tag_id bigint NOT NULL,
					notification_id bigint NOT NULL,
					CONSTRAINT pk_tag_notification_successes PRIMARY KEY (id),
					CONSTRAINT fk_tag_notification_successes_tag_id_tags FOREIGN KEY (tag_id) REFERENCES tags (id)
				)`,
				"CREATE INDEX IF NOT EXISTS index_tag_notification_successes_on_tag_id ON tag_notification_successes USING btree (tag_id)",
			},
			Down: []string{
				"DROP TABLE IF EXISTS tag_notification_successes CASCADE",
				"DROP INDEX IF EXISTS unique_index_tags_on_repository_id_and_name_alive_visible CASCADE",
				"DROP INDEX IF EXISTS index_tags_on_lifetime_end_ms CASCADE",
				"DROP INDEX IF EXISTS index_tags_on_manifest_id CASCADE",
				"DROP INDEX IF EXISTS index_tags_on_repository_id_and_lifetime_end_ms CASCADE",
				"DROP INDEX IF EXISTS index_tags_on_repository_id_and_name CASCADE",
				"DROP TABLE IF EXISTS tags CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
