package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100900_create_blob_uploads_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS blob_uploads (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					uuid text NOT NULL,
					repository_id bigint NOT NULL,
					location_id smallint NOT NULL,
					byte_count bigint NOT NULL DEFAULT 0,
					uncompressed_byte_count bigint,
					chunk_count integer NOT NULL DEFAULT 0,
					sha_state bytea,
					storage_metadata bytea,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_blob_uploads PRIMARY KEY (id),
					CONSTRAINT fk_blob_uploads_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_blob_uploads_location_id_image_storage_locations FOREIGN KEY (location_id) REFERENCES image_storage_locations (id),
					CONSTRAINT unique_blob_uploads_uuid UNIQUE (uuid)
				)`,
				"CREATE INDEX IF NOT EXISTS index_blob_uploads_on_repository_id ON blob_uploads USING btree (repository_id)",
				"CREATE INDEX IF NOT EXISTS index_blob_uploads_on_created_at ON blob_uploads USING btree (created_at)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_blob_uploads_on_created_at CASCADE",
				"DROP INDEX IF EXISTS index_blob_uploads_on_repository_id CASCADE",
				"DROP TABLE IF EXISTS blob_uploads CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
