package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108100100_create_namespace_members_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS namespace_members (
					organization_id bigint NOT NULL,
					member_id bigint NOT NULL,
					is_admin boolean NOT NULL DEFAULT FALSE,
					CONSTRAINT pk_namespace_members PRIMARY KEY (organization_id, member_id),
					CONSTRAINT fk_namespace_members_organization_id_namespaces FOREIGN KEY (organization_id) REFERENCES namespaces (id) ON DELETE CASCADE,
					CONSTRAINT fk_namespace_members_member_id_namespaces FOREIGN KEY (member_id) REFERENCES namespaces (id) ON DELETE CASCADE
				)`,
				"CREATE INDEX IF NOT EXISTS index_namespace_members_on_member_id ON namespace_members USING btree (member_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_namespace_members_on_member_id CASCADE",
				"DROP TABLE IF EXISTS namespace_members CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
