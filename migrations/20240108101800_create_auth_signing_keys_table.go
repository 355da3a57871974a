package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101800_create_auth_signing_keys_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS auth_signing_keys (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					kid text NOT NULL,
					service text NOT NULL,
					public_key text NOT NULL,
					approved boolean NOT NULL DEFAULT FALSE,
					expiration timestamp WITH time zone,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_auth_signing_keys PRIMARY KEY (id),
					CONSTRAINT unique_auth_signing_keys_kid UNIQUE (kid)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS auth_signing_keys CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
