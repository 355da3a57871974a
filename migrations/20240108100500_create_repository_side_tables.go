package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100500_create_repository_side_tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS repository_stars (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					namespace_id bigint NOT NULL,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_repository_stars PRIMARY KEY (id),
					CONSTRAINT fk_repository_stars_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT unique_repository_stars_repository_id_and_namespace_id UNIQUE (repository_id, namespace_id)
				)`,
				`CREATE TABLE IF NOT EXISTS repository_notifications (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					uuid text NOT NULL,
					repository_id bigint NOT NULL,
					event text NOT NULL,
					method text NOT NULL,
					config jsonb NOT NULL DEFAULT '{}',
					CONSTRAINT pk_repository_notifications PRIMARY KEY (id),
					CONSTRAINT fk_repository_notifications_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id)
				)`,
				`CREATE TABLE IF NOT EXISTS repository_action_counts (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					date date NOT NULL,
					count bigint NOT NULL DEFAULT 0,
					CONSTRAINT pk_repository_action_counts PRIMARY KEY (id),
					CONSTRAINT fk_repository_action_counts_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT unique_repository_action_counts_repository_id_and_date UNIQUE (repository_id, date)
				)`,
				`CREATE TABLE IF NOT EXISTS repository_mirrors (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					external_reference text NOT NULL,
					robot_id bigint NOT NULL,
					CONSTRAINT pk_repository_mirrors PRIMARY KEY (id),
					CONSTRAINT fk_repository_mirrors_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT unique_repository_mirrors_repository_id UNIQUE (repository_id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS repository_mirrors CASCADE",
				"DROP TABLE IF EXISTS repository_action_counts CASCADE",
				"DROP TABLE IF EXISTS repository_notifications CASCADE",
				"DROP TABLE IF EXISTS repository_stars CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
