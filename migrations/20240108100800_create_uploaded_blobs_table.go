package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100800_create_uploaded_blobs_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS uploaded_blobs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					blob_id bigint NOT NULL,
					uploaded_at timestamp WITH time zone NOT NULL DEFAULT now(),
					expires_at timestamp WITH time zone NOT NULL,
					CONSTRAINT pk_uploaded_blobs PRIMARY KEY (id),
					CONSTRAINT fk_uploaded_blobs_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_uploaded_blobs_blob_id_image_storages FOREIGN KEY (blob_id) REFERENCES image_storages (id)
				)`,
				"CREATE INDEX IF NOT EXISTS index_uploaded_blobs_on_repository_id_and_blob_id ON uploaded_blobs USING btree (repository_id, blob_id)",
				"CREATE INDEX IF NOT EXISTS index_uploaded_blobs_on_blob_id ON uploaded_blobs USING btree (blob_id)",
				"CREATE INDEX IF NOT EXISTS index_uploaded_blobs_on_expires_at ON uploaded_blobs USING btree (expires_at)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_uploaded_blobs_on_expires_at CASCADE",
				"DROP INDEX IF EXISTS index_uploaded_blobs_on_blob_id CASCADE",
				"DROP INDEX IF EXISTS index_uploaded_blobs_on_repository_id_and_blob_id CASCADE",
				"DROP TABLE IF EXISTS uploaded_blobs CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
