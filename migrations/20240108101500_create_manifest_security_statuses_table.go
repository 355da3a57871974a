package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101500_create_manifest_security_statuses_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS manifest_security_statuses (
					manifest_id bigint NOT NULL,
					repository_id bigint NOT NULL,
					index_status integer NOT NULL,
					indexer_hash text NOT NULL DEFAULT '',
					last_indexed timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_manifest_security_statuses PRIMARY KEY (manifest_id),
					CONSTRAINT fk_manifest_security_statuses_manifest_id_manifests FOREIGN KEY (manifest_id) REFERENCES manifests (id),
					CONSTRAINT fk_manifest_security_statuses_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS manifest_security_statuses CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
