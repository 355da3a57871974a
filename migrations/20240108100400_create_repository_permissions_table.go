package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100400_create_repository_permissions_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS repository_permissions (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					namespace_id bigint NOT NULL,
					role text NOT NULL,
					CONSTRAINT pk_repository_permissions PRIMARY KEY (id),
					CONSTRAINT fk_repository_permissions_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id) ON DELETE CASCADE,
					CONSTRAINT fk_repository_permissions_namespace_id_namespaces FOREIGN KEY (namespace_id) REFERENCES namespaces (id) ON DELETE CASCADE,
					CONSTRAINT unique_repository_permissions_repository_id_and_namespace_id UNIQUE (repository_id, namespace_id),
					CONSTRAINT check_repository_permissions_role CHECK ((role IN ('read', 'write', 'admin')))
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS repository_permissions CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
