package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101300_create_manifest_children_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS manifest_children (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					manifest_id bigint NOT NULL,
					child_manifest_id bigint NOT NULL,
					CONSTRAINT pk_manifest_children PRIMARY KEY (id),
					CONSTRAINT fk_manifest_children_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_manifest_children_manifest_id_manifests FOREIGN KEY (manifest_id) REFERENCES manifests (id),
					CONSTRAINT fk_manifest_children_child_manifest_id_manifests FOREIGN KEY (child_manifest_id) REFERENCES manifests (id),
					CONSTRAINT unique_manifest_children_manifest_id_and_child_manifest_id UNIQUE (manifest_id, child_manifest_id),
					CONSTRAINT check_manifest_children_no_self_reference CHECK ((manifest_id <> child_manifest_id))
				)`,
				"CREATE INDEX IF NOT EXISTS index_manifest_children_on_child_manifest_id ON manifest_children USING btree (child_manifest_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_manifest_children_on_child_manifest_id CASCADE",
				"DROP TABLE IF EXISTS manifest_children CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
