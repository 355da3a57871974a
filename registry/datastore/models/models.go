package models

import (
	"database/sql"
	"time"

	"github.com/opencontainers/go-digest"
)

type Namespace struct {
	ID                    int64
	Username              string
	Enabled               bool
	RemovedTagExpirationS int64
	IsRobot               bool
	IsOrganization        bool
	QuotaLimitBytes       sql.NullInt64
	ProxyCacheUpstream    sql.NullString
	CreatedAt             time.Time
}

// Namespaces is a slice of Namespace pointers.
type Namespaces []*Namespace

// RepositoryKind is the kind of content a repository holds.
type RepositoryKind string

const (
	RepositoryKindImage       RepositoryKind = "image"
	RepositoryKindApplication RepositoryKind = "application"
)

// RepositoryState is the lifecycle state of a repository.
type RepositoryState string

const (
	RepositoryStateNormal            RepositoryState = "NORMAL"
	RepositoryStateReadOnly          RepositoryState = "READ_ONLY"
	RepositoryStateMirror            RepositoryState = "MIRROR"
	RepositoryStateMarkedForDeletion RepositoryState = "MARKED_FOR_DELETION"
)

// Visibility is the visibility of a repository.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Repository struct {
	ID            int64
	NamespaceID   int64
	Name          string
	Kind          RepositoryKind
	State         RepositoryState
	Visibility    Visibility
	Description   string
	TrustEnabled  bool
	MirrorRobotID sql.NullInt64
	CreatedAt     time.Time

	// NamespaceName is populated by queries that join on namespaces.
	NamespaceName string
}

// Path returns the full repository name, e.g. `acme/web`.
func (r *Repository) Path() string {
	return r.NamespaceName + "/" + r.Name
}

// Repositories is a slice of Repository pointers.
type Repositories []*Repository

// ImageStorage is a blob, addressed by its content checksum.
type ImageStorage struct {
	ID               int64
	UUID             string
	ContentChecksum  digest.Digest
	ImageSize        int64
	UncompressedSize sql.NullInt64
	CASPath          bool
	Uploading        bool
	CreatedAt        time.Time

	// Locations is populated with placement location names by queries that load them.
	Locations []string
}

// ImageStorages is a slice of ImageStorage pointers.
type ImageStorages []*ImageStorage

// StorageLocation is a named storage backend.
type StorageLocation struct {
	ID   int64
	Name string
}

// UploadedBlob is a temporary link between a repository and a blob.
type UploadedBlob struct {
	ID           int64
	RepositoryID int64
	BlobID       int64
	UploadedAt   time.Time
	ExpiresAt    time.Time

	Blob *ImageStorage
}

// BlobUpload is an in-progress resumable upload.
type BlobUpload struct {
	ID                    int64
	UUID                  string
	RepositoryID          int64
	Location              string
	ByteCount             int64
	UncompressedByteCount sql.NullInt64
	ChunkCount            int
	ShaState              []byte
	StorageMetadata       []byte
	CreatedAt             time.Time
}

type Manifest struct {
	ID                   int64
	RepositoryID         int64
	Digest               digest.Digest
	MediaType            string
	Bytes                []byte
	ConfigMediaType      sql.NullString
	LayersCompressedSize sql.NullInt64
	SubjectDigest        sql.NullString
	ArtifactType         sql.NullString
	CreatedAt            time.Time
}

// Manifests is a slice of Manifest pointers.
type Manifests []*Manifest

// ManifestBlob links a manifest to a blob it references.
type ManifestBlob struct {
	ID           int64
	RepositoryID int64
	ManifestID   int64
	BlobID       int64
}

// ManifestChild links a manifest list to one of its child manifests.
type ManifestChild struct {
	ID              int64
	RepositoryID    int64
	ManifestID      int64
	ChildManifestID int64
}

// LabelSourceType is the origin of a label.
type LabelSourceType string

const (
	LabelSourceManifest LabelSourceType = "manifest"
	LabelSourceAPI      LabelSourceType = "api"
	LabelSourceInternal LabelSourceType = "internal"
)

type Label struct {
	ID         int64
	Key        string
	Value      string
	SourceType LabelSourceType
	MediaType  string
}

// Labels is a slice of Label pointers.
type Labels []*Label

// ManifestSecurityStatus is the scanner's indexing status for a manifest.
type ManifestSecurityStatus struct {
	ManifestID   int64
	RepositoryID int64
	IndexStatus  int
	IndexerHash  string
	LastIndexed  time.Time
}

// TagKind discriminates tag rows.
type TagKind int

const (
	TagKindTag TagKind = 1
)

type Tag struct {
	ID              int64
	RepositoryID    int64
	ManifestID      int64
	Name            string
	LifetimeStartMs int64
	LifetimeEndMs   sql.NullInt64
	Hidden          bool
	Reversion       bool
	Kind            TagKind

	// ManifestDigest and ManifestMediaType are populated by queries that join on manifests.
	ManifestDigest    digest.Digest
	ManifestMediaType string
}

// IsAlive reports whether the tag is alive at nowMs.
func (t *Tag) IsAlive(nowMs int64) bool {
	return !t.LifetimeEndMs.Valid || t.LifetimeEndMs.Int64 > nowMs
}

// Tags is a slice of Tag pointers.
type Tags []*Tag

// QuotaSize is a per namespace or per repository quota counter.
type QuotaSize struct {
	// ScopeID is the namespace or repository ID.
	ScopeID          int64
	SizeBytes        int64
	BackfillStartMs  sql.NullInt64
	BackfillComplete bool
}

// QuotaRegistrySize is the singleton registry-wide rollup.
type QuotaRegistrySize struct {
	SizeBytes   int64
	Running     bool
	Queued      bool
	CompletedMs sql.NullInt64
}

// AuthSigningKey is a public key tokens may be signed with.
type AuthSigningKey struct {
	ID         int64
	KID        string
	Service    string
	PublicKey  string
	Approved   bool
	Expiration sql.NullTime
	CreatedAt  time.Time
}

// Role is a repository permission level.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

// Includes reports whether r grants at least the privileges of other.
func (r Role) Includes(other Role) bool {
	rank := map[Role]int{RoleRead: 1, RoleWrite: 2, RoleAdmin: 3}
	return rank[r] >= rank[other]
}

// RepositoryPermission grants a namespace (user or robot) a role on a repository.
type RepositoryPermission struct {
	ID           int64
	RepositoryID int64
	NamespaceID  int64
	Role         Role
}
