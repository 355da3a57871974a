package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20240108101050_seed_media_types_table",
			// Existence is checked before inserting so the smallint identity sequence is not bumped on every run.
			Up: []string{
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.docker.distribution.manifest.v1+json'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.docker.distribution.manifest.v1+json'))`,
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.docker.distribution.manifest.v1+prettyjws'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.docker.distribution.manifest.v1+prettyjws'))`,
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.docker.distribution.manifest.v2+json'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.docker.distribution.manifest.v2+json'))`,
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.docker.distribution.manifest.list.v2+json'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.docker.distribution.manifest.list.v2+json'))`,
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.oci.image.manifest.v1+json'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.oci.image.manifest.v1+json'))`,
				`INSERT INTO media_types (media_type)
					SELECT
						'application/vnd.oci.image.index.v1+json'
					WHERE
						NOT EXISTS (
							SELECT
								1
							FROM
								media_types
							WHERE (media_type = 'application/vnd.oci.image.index.v1+json'))`,
			},
			Down: []string{
				`DELETE FROM media_types WHERE media_type IN ('application/vnd.docker.distribution.manifest.v1+json', 'application/vnd.docker.distribution.manifest.v1+prettyjws', 'application/vnd.docker.distribution.manifest.v2+json', 'application/vnd.docker.distribution.manifest.list.v2+json', 'application/vnd.oci.image.manifest.v1+json', 'application/vnd.oci.image.index.v1+json')`,
			},
		},
		PostDeployment: false,
	}

	allMigrations = append(allMigrations, m)
}
