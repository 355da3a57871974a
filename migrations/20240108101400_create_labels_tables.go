package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101400_create_labels_tables",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS labels (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					key text NOT NULL,
					value text NOT NULL,
					source_type text NOT NULL,
					media_type text NOT NULL DEFAULT 'text/plain',
					CONSTRAINT pk_labels PRIMARY KEY (id),
					CONSTRAINT unique_labels_key_value_source_type_media_type UNIQUE (key, value, source_type, media_type),
					CONSTRAINT check_labels_source_type CHECK ((source_type IN ('manifest', 'api', 'internal')))
				)`,
				`CREATE TABLE IF NOT EXISTS manifest_labels (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					repository_id bigint NOT NULL,
					manifest_id bigint NOT NULL,
					label_id bigint NOT NULL,
					CONSTRAINT pk_manifest_labels PRIMARY KEY (id),
					CONSTRAINT fk_manifest_labels_repository_id_repositories FOREIGN KEY (repository_id) REFERENCES repositories (id),
					CONSTRAINT fk_manifest_labels_manifest_id_manifests FOREIGN KEY (manifest_id) REFERENCES manifests (id),
					CONSTRAINT fk_manifest_labels_label_id_labels FOREIGN KEY (label_id) REFERENCES labels (id),
					CONSTRAINT unique_manifest_labels_manifest_id_and_label_id UNIQUE (manifest_id, label_id)
				)`,
				"CREATE INDEX IF NOT EXISTS index_manifest_labels_on_label_id ON manifest_labels USING btree (label_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_manifest_labels_on_label_id CASCADE",
				"DROP TABLE IF EXISTS manifest_labels CASCADE",
				"DROP TABLE IF EXISTS labels CASCADE",
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
