package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101000_create_media_types_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS media_types (
					id smallint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					media_type text NOT NULL,
					CONSTRAINT pk_media_types PRIMARY KEY (id),
					CONSTRAINT unique_media_types_type UNIQUE (media_type)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS media_types CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
