package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100300_create_repositories_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS repositories (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					namespace_id bigint NOT NULL,
					name text NOT NULL,
					kind text NOT NULL DEFAULT 'image',
					state text NOT NULL DEFAULT 'NORMAL',
					visibility text NOT NULL DEFAULT 'private',
					description text NOT NULL DEFAULT '',
					trust_enabled boolean NOT NULL DEFAULT FALSE,
					mirror_robot_id bigint,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_repositories PRIMARY KEY (id),
					CONSTRAINT fk_repositories_namespace_id_namespaces FOREIGN KEY (namespace_id) REFERENCES namespaces (id) ON DELETE CASCADE,
					CONSTRAINT fk_repositories_mirror_robot_id_namespaces FOREIGN KEY (mirror_robot_id) REFERENCES namespaces (id) ON DELETE SET NULL,
					CONSTRAINT unique_repositories_namespace_id_and_name UNIQUE (namespace_id, name),
					CONSTRAINT check_repositories_kind CHECK ((kind IN ('image', 'application'))),
					CONSTRAINT check_repositories_state CHECK ((state IN ('NORMAL', 'READ_ONLY', 'MIRROR', 'MARKED_FOR_DELETION'))),
					CONSTRAINT check_repositories_visibility CHECK ((visibility IN ('public', 'private')))
				)`,
				"CREATE INDEX IF NOT EXISTS index_repositories_on_state ON repositories USING btree (state)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_repositories_on_state CASCADE",
				"DROP TABLE IF EXISTS repositories CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
