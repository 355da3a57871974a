package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100600_create_image_storages_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS image_storages (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					uuid text NOT NULL,
					content_checksum text,
					image_size bigint NOT NULL DEFAULT 0,
					uncompressed_size bigint,
					cas_path boolean NOT NULL DEFAULT TRUE,
					uploading boolean NOT NULL DEFAULT FALSE,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_image_storages PRIMARY KEY (id),
					CONSTRAINT unique_image_storages_uuid UNIQUE (uuid),
					CONSTRAINT check_image_storages_image_size_positive CHECK ((image_size >= 0))
				)`,
				"CREATE UNIQUE INDEX IF NOT EXISTS unique_index_image_storages_on_content_checksum ON image_storages USING btree (content_checksum) WHERE content_checksum IS NOT NULL",
			},
			Down: []string{
				"DROP INDEX IF EXISTS unique_index_image_storages_on_content_checksum CASCADE",
				"DROP TABLE IF EXISTS image_storages CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
