package testutil

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
)

// table represents a table in the test database.
type table string

const (
	NamespacesTable               table = "namespaces"
	NamespaceMembersTable         table = "namespace_members"
	NamespaceGeoRestrictionsTable table = "namespace_geo_restrictions"
	RepositoriesTable             table = "repositories"
	RepositoryPermissionsTable    table = "repository_permissions"
	RepositoryStarsTable          table = "repository_stars"
	RepositoryNotificationsTable  table = "repository_notifications"
	RepositoryActionCountsTable   table = "repository_action_counts"
	RepositoryMirrorsTable        table = "repository_mirrors"
	ImageStoragesTable            table = "image_storages"
	ImageStorageLocationsTable    table = "image_storage_locations"
	ImageStoragePlacementsTable   table = "image_storage_placements"
	UploadedBlobsTable            table = "uploaded_blobs"
	BlobUploadsTable              table = "blob_uploads"
	ManifestsTable                table = "manifests"
	ManifestBlobsTable            table = "manifest_blobs"
	ManifestChildrenTable         table = "manifest_children"
	LabelsTable                   table = "labels"
	ManifestLabelsTable           table = "manifest_labels"
	ManifestSecurityStatusesTable table = "manifest_security_statuses"
	TagsTable                     table = "tags"
	TagNotificationSuccessesTable table = "tag_notification_successes"
	QuotaNamespaceSizesTable      table = "quota_namespace_sizes"
	QuotaRepositorySizesTable     table = "quota_repository_sizes"
	AuthSigningKeysTable          table = "auth_signing_keys"
)

// AllTables represents all tables in the test database, in insert order.
var AllTables = []table{
	NamespacesTable,
	NamespaceMembersTable,
	NamespaceGeoRestrictionsTable,
	RepositoriesTable,
	RepositoryPermissionsTable,
	RepositoryStarsTable,
	RepositoryNotificationsTable,
	RepositoryActionCountsTable,
	RepositoryMirrorsTable,
	ImageStorageLocationsTable,
	ImageStoragesTable,
	ImageStoragePlacementsTable,
	UploadedBlobsTable,
	BlobUploadsTable,
	ManifestsTable,
	ManifestBlobsTable,
	ManifestChildrenTable,
	LabelsTable,
	ManifestLabelsTable,
	ManifestSecurityStatusesTable,
	TagsTable,
	TagNotificationSuccessesTable,
	QuotaNamespaceSizesTable,
	QuotaRepositorySizesTable,
	AuthSigningKeysTable,
}

// truncate truncates t in the test database.
func (t table) truncate(db *datastore.DB) error {
	if _, err := db.Exec(fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", t)); err != nil {
		return fmt.Errorf("error truncating table %q: %w", t, err)
	}
	return nil
}

// seedFileName generates the expected seed filename based on the convention `<table name>.sql`.
func (t table) seedFileName() string {
	return fmt.Sprintf("%s.sql", t)
}

// DumpAsJSON dumps the table contents in JSON format using the PostgresSQL `json_agg` function. `bytea` columns are
// decoded for easy comparison.
func (t table) DumpAsJSON(ctx context.Context, db datastore.Queryer) ([]byte, error) {
	var query string
	switch t {
	case ManifestsTable:
		query = `SELECT
				json_agg(t)
			FROM (
				SELECT
					id,
					repository_id,
					digest,
					media_type_id,
					convert_from(manifest_bytes, 'UTF8') AS manifest_bytes,
					config_media_type,
					layers_compressed_size,
					subject_digest,
					artifact_type
				FROM manifests
				ORDER BY id
			) t`
	case BlobUploadsTable:
		query = `SELECT
				json_agg(t)
			FROM (
				SELECT
					id, uuid, repository_id, location_id, byte_count, chunk_count,
					encode(sha_state, 'hex') AS sha_state,
					convert_from(storage_metadata, 'UTF8') AS storage_metadata
				FROM blob_uploads
				ORDER BY id
			) t`
	default:
		query = fmt.Sprintf("SELECT json_agg(%s) FROM %s", t, t)
	}

	var dump []byte
	row := db.QueryRowContext(ctx, query)
	if err := row.Scan(&dump); err != nil {
		return nil, err
	}

	return dump, nil
}

// NewDSN generates a new DSN for the test database based on environment variable configurations.
func NewDSN() (*datastore.DSN, error) {
	port, err := strconv.Atoi(os.Getenv("REGISTRY_DATABASE_PORT"))
	if err != nil {
		return nil, fmt.Errorf("error parsing DSN port: %w", err)
	}
	dsn := &datastore.DSN{
		Host:     os.Getenv("REGISTRY_DATABASE_HOST"),
		Port:     port,
		User:     os.Getenv("REGISTRY_DATABASE_USER"),
		Password: os.Getenv("REGISTRY_DATABASE_PASSWORD"),
		DBName:   "registry_test",
		SSLMode:  os.Getenv("REGISTRY_DATABASE_SSLMODE"),
	}

	return dsn, nil
}

// NewDB generates a new datastore.DB and opens the underlying connection.
func NewDB(opts ...datastore.OpenOption) (*datastore.DB, error) {
	dsn, err := NewDSN()
	if err != nil {
		return nil, err
	}

	db, err := datastore.Open(dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	return db, nil
}

// TruncateTables truncates a set of tables in the test database.
func TruncateTables(db *datastore.DB, tables ...table) error {
	for _, table := range tables {
		if err := table.truncate(db); err != nil {
			return fmt.Errorf("error truncating tables: %w", err)
		}
	}
	return nil
}

// TruncateAllTables truncates all tables in the test database.
func TruncateAllTables(db *datastore.DB) error {
	return TruncateTables(db, AllTables...)
}

// ReloadFixtures truncates a given set of tables and then injects related fixtures. Tables must be listed in insert
// order.
func ReloadFixtures(tb testing.TB, db *datastore.DB, basePath string, tables ...table) {
	tb.Helper()

	require.NoError(tb, TruncateTables(db, tables...))

	for _, table := range tables {
		path := filepath.Join(basePath, "testdata", "fixtures", table.seedFileName())

		query, err := ioutil.ReadFile(path)
		require.NoErrorf(tb, err, "error reading fixture")

		_, err = db.Exec(string(query))
		require.NoErrorf(tb, err, "error loading fixture %q", path)
	}
}

// ReloadAllFixtures reloads the fixtures of every table.
func ReloadAllFixtures(tb testing.TB, db *datastore.DB, basePath string) {
	tb.Helper()
	ReloadFixtures(tb, db, basePath, AllTables...)
}

// ParseTimestamp parses a timestamp into a time.Time, in UTC, and then converts it to the given location.
func ParseTimestamp(tb testing.TB, timestamp string, location *time.Location) time.Time {
	tb.Helper()

	t, err := time.Parse("2006-01-02 15:04:05.000000", timestamp)
	require.NoError(tb, err)

	return t.In(location)
}
