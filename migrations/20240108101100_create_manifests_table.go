package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101100_create_manifests_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS manifests (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					digest text NOT NULL,
					media_type_id smallint NOT NULL,
					manifest_bytes bytea NOT NULL,
					config_media_type text,
					layers_compressed_size bigint,
					subject_digest text,
					artifact_type text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_manifests PRIMARY KEY (id),
					CONSTRAINT fk_manifests_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_manifests_media_type_id_media_types FOREIGN KEY (media_type_id) REFERENCES media_types (id),
					CONSTRAINT unique_manifests_repository_id_and_digest UNIQUE (repository_id, digest)
				)`,
				"CREATE INDEX IF NOT EXISTS index_manifests_on_repository_id_and_subject_digest ON manifests USING btree (repository_id, subject_digest) WHERE subject_digest IS NOT NULL",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_manifests_on_repository_id_and_subject_digest CASCADE",
				"DROP TABLE IF EXISTS manifests CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
