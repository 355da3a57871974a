package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101700_create_quota_tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS quota_namespace_sizes (
					namespace_id bigint NOT NULL,
					size_bytes bigint NOT NULL DEFAULT 0,
					backfill_start_ms bigint,
					backfill_complete boolean NOT NULL DEFAULT FALSE,
					CONSTRAINT pk_quota_namespace_sizes PRIMARY KEY (namespace_id),
					CONSTRAINT fk_quota_namespace_sizes_namespace_id_namespaces FOREIGN KEY (namespace_id) REFERENCES namespaces (id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS quota_repository_sizes (
					repository_id bigint NOT NULL,
					size_bytes bigint NOT NULL DEFAULT 0,
					backfill_start_ms bigint,
					backfill_complete boolean NOT NULL DEFAULT FALSE,
					CONSTRAINT pk_quota_repository_sizes PRIMARY KEY (repository_id),
					CONSTRAINT fk_quota_repository_sizes_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id)
				)`,
				`CREATE TABLE IF NOT EXISTS quota_registry_size (
					id smallint NOT NULL DEFAULT 1,
					size_bytes bigint NOT NULL DEFAULT 0,
					running boolean NOT NULL DEFAULT FALSE,
					queued boolean NOT NULL DEFAULT FALSE,
					completed_ms bigint,
					CONSTRAINT pk_quota_registry_size PRIMARY KEY (id),
					CONSTRAINT check_quota_registry_size_singleton CHECK ((id = 1))
				)`,
				"INSERT INTO quota_registry_size (id) VALUES (1) ON CONFLICT DO NOTHING",
			},
			Down: []string{
				"DROP TABLE IF EXISTS quota_registry_size CASCADE",
				"DROP TABLE IF EXISTS quota_repository_sizes CASCADE",
				"DROP TABLE IF EXISTS quota_namespace_sizes CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
