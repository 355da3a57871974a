package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101200_create_manifest_blobs_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS manifest_blobs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					manifest_id bigint NOT NULL,
					blob_id bigint NOT NULL,
					CONSTRAINT pk_manifest_blobs PRIMARY KEY (id),
					CONSTRAINT fk_manifest_blobs_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_manifest_blobs_manifest_id_manifests FOREIGN KEY (manifest_id) REFERENCES manifests (id),
					CONSTRAINT fk_manifest_blobs_blob_id_image_storages FOREIGN KEY (blob_id) REFERENCES image_storages (id),
					CONSTRAINT unique_manifest_blobs_manifest_id_and_blob_id UNIQUE (manifest_id, blob_id)
				)`,
				"CREATE INDEX IF NOT EXISTS index_manifest_blobs_on_repository_id_and_blob_id ON manifest_blobs USING btree (repository_id, blob_id)",
				"CREATE INDEX IF NOT EXISTS index_manifest_blobs_on_blob_id ON manifest_blobs USING btree (blob_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_manifest_blobs_on_blob_id CASCADE",
				"DROP INDEX IF EXISTS index_manifest_blobs_on_repository_id_and_blob_id CASCADE",
				"DROP TABLE IF EXISTS manifest_blobs CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
