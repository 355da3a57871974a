package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100200_create_namespace_geo_restrictions_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS namespace_geo_restrictions (
					namespace_id bigint NOT NULL,
					country_code text NOT NULL,
					CONSTRAINT pk_namespace_geo_restrictions PRIMARY KEY (namespace_id, country_code),
					CONSTRAINT fk_namespace_geo_restrictions_namespace_id_namespaces FOREIGN KEY (namespace_id) REFERENCES namespaces (id) ON DELETE CASCADE
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS namespace_geo_restrictions CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
