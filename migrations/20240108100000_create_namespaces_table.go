package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100000_create_namespaces_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS namespaces (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					username text NOT NULL,
					enabled boolean NOT NULL DEFAULT TRUE,
					removed_tag_expiration_s bigint NOT NULL DEFAULT 1209600,
					is_robot boolean NOT NULL DEFAULT FALSE,
					is_organization boolean NOT NULL DEFAULT FALSE,
					quota_limit_bytes bigint,
					proxy_cache_upstream text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_namespaces PRIMARY KEY (id),
					CONSTRAINT unique_namespaces_username UNIQUE (username),
					CONSTRAINT check_namespaces_removed_tag_expiration_s_positive CHECK ((removed_tag_expiration_s >= 0))
				)`,
				"CREATE INDEX IF NOT EXISTS index_namespaces_on_removed_tag_expiration_s ON namespaces USING btree (removed_tag_expiration_s)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_namespaces_on_removed_tag_expiration_s CASCADE",
				"DROP TABLE IF EXISTS namespaces CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
