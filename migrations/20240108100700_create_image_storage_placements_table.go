package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100700_create_image_storage_placements_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS image_storage_locations (
					id smallint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					name text NOT NULL,
					CONSTRAINT pk_image_storage_locations PRIMARY KEY (id),
					CONSTRAINT unique_image_storage_locations_name UNIQUE (name)
				)`,
				`CREATE TABLE IF NOT EXISTS image_storage_placements (
					blob_id bigint NOT NULL,
					location_id smallint NOT NULL,
					CONSTRAINT pk_image_storage_placements PRIMARY KEY (blob_id, location_id),
					CONSTRAINT fk_image_storage_placements_blob_id_image_storages FOREIGN KEY (blob_id) REFERENCES image_storages (id) ON DELETE CASCADE,
					CONSTRAINT fk_image_storage_placements_location_id_image_storage_locations FOREIGN KEY (location_id) REFERENCES image_storage_locations (id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS image_storage_placements CASCADE",
				"DROP TABLE IF EXISTS image_storage_locations CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
