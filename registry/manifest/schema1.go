package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// FSLayer is a container struct for BlobSums defined in a schema 1 manifest.
type FSLayer struct {
	// BlobSum is the tarsum of the referenced filesystem image layer
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information.
type History struct {
	// V1Compatibility is the raw v1 compatibility information
	V1Compatibility string `json:"v1Compatibility"`
}

type schema1Payload struct {
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name"`
	Tag           string    `json:"tag"`
	Architecture  string    `json:"architecture"`
	FSLayers      []FSLayer `json:"fsLayers"`
	History       []History `json:"history"`
}

// Schema1 is an unsigned docker schema 1 manifest.
type Schema1 struct {
	parsed    schema1Payload
	raw       []byte
	digest    digest.Digest
	mediaType string
}

// Schema1Signed is a schema 1 manifest carrying a JWS signature block. Its digest is computed over the payload
// with the signatures stripped.
type Schema1Signed struct {
	*Schema1
	signature *libtrust.JSONSignature
}

var (
	_ Manifest = &Schema1{}
	_ Manifest = &Schema1Signed{}
)

func parseSchema1(payload []byte, mediaType string) (*Schema1, error) {
	m := &Schema1{raw: payload, mediaType: mediaType, digest: digest.FromBytes(payload)}
	if err := json.Unmarshal(payload, &m.parsed); err != nil {
		return nil, invalid("malformed schema 1 manifest: %v", err)
	}
	if m.parsed.SchemaVersion != 1 {
		return nil, invalid("schema 1 manifest has schemaVersion %d", m.parsed.SchemaVersion)
	}
	return m, nil
}

func parseSchema1Signed(payload []byte) (Manifest, error) {
	js, err := libtrust.ParsePrettySignature(payload, "signatures")
	if err != nil {
		// pushed without a signature block, keep it as is
		m, err := parseSchema1(payload, MediaTypeSchema1Signed)
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	canonical, err := js.Payload()
	if err != nil {
		return nil, invalid("malformed schema 1 signature: %v", err)
	}
	m, err := parseSchema1(payload, MediaTypeSchema1Signed)
	if err != nil {
		return nil, err
	}
	m.digest = digest.FromBytes(canonical)

	return &Schema1Signed{Schema1: m, signature: js}, nil
}

func (m *Schema1) Digest() digest.Digest               { return m.digest }
func (m *Schema1) MediaType() string                   { return m.mediaType }
func (m *Schema1) Bytes() []byte                       { return m.raw }
func (m *Schema1) SchemaVersion() int                  { return 1 }
func (m *Schema1) IsManifestList() bool                { return false }
func (m *Schema1) ChildManifests() []v1.Descriptor     { return nil }
func (m *Schema1) ConfigMediaType() string             { return "" }
func (m *Schema1) LayersCompressedSize() (int64, bool) { return 0, false }
func (m *Schema1) Subject() *v1.Descriptor             { return nil }
func (m *Schema1) ArtifactType() string                { return "" }

// Name is the repository the manifest claims to belong to.
func (m *Schema1) Name() string { return m.parsed.Name }

// Tag is the tag the manifest claims to be pushed under.
func (m *Schema1) Tag() string { return m.parsed.Tag }

// FSLayers returns the layers, leaf first.
func (m *Schema1) FSLayers() []FSLayer { return m.parsed.FSLayers }

// History returns the v1 compatibility entries, leaf first.
func (m *Schema1) History() []History { return m.parsed.History }

func (m *Schema1) BlobDigests() []digest.Digest {
	dd := make([]digest.Digest, 0, len(m.parsed.FSLayers))
	// layers are listed leaf first
	for i := len(m.parsed.FSLayers) - 1; i >= 0; i-- {
		dd = append(dd, m.parsed.FSLayers[i].BlobSum)
	}
	return uniqueDigests(dd)
}

func (m *Schema1) LocalBlobDigests() []digest.Digest { return m.BlobDigests() }

func (m *Schema1) Validate(_ context.Context, _ ContentRetriever) error {
	if len(m.parsed.FSLayers) == 0 {
		return invalid("schema 1 manifest has no layers")
	}
	if len(m.parsed.FSLayers) != len(m.parsed.History) {
		return invalid("schema 1 manifest has %d layers and %d history entries", len(m.parsed.FSLayers), len(m.parsed.History))
	}
	if m.parsed.Name == "" {
		return invalid("schema 1 manifest has no name")
	}
	for _, l := range m.parsed.FSLayers {
		if err := l.BlobSum.Validate(); err != nil {
			return invalid("layer digest %q: %v", l.BlobSum, err)
		}
	}
	for i, h := range m.parsed.History {
		var c struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(h.V1Compatibility), &c); err != nil {
			return invalid("history entry %d: %v", i, err)
		}
		if c.ID == "" {
			return invalid("history entry %d has no id", i)
		}
	}
	return nil
}

func (m *Schema1) Labels(_ context.Context, _ ContentRetriever) (map[string]string, error) {
	if len(m.parsed.History) == 0 {
		return nil, nil
	}
	var c struct {
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"config"`
	}
	if err := json.Unmarshal([]byte(m.parsed.History[0].V1Compatibility), &c); err != nil {
		return nil, invalid("malformed leaf history entry: %v", err)
	}
	return c.Config.Labels, nil
}

func (m *Schema1) ConvertTo(_ context.Context, mediaType string, _ ConvertOptions) (Manifest, error) {
	if IsSchema1(mediaType) {
		return m, nil
	}
	return nil, ErrConversionUnsupported
}

// Validate verifies the signatures before the structural checks.
func (m *Schema1Signed) Validate(ctx context.Context, r ContentRetriever) error {
	if _, err := m.signature.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	return m.Schema1.Validate(ctx, r)
}

func (m *Schema1Signed) ConvertTo(_ context.Context, mediaType string, _ ConvertOptions) (Manifest, error) {
	if IsSchema1(mediaType) {
		return m, nil
	}
	return nil, ErrConversionUnsupported
}

// Schema1Builder assembles schema 1 manifests. Layers are added leaf first.
type Schema1Builder struct {
	payload schema1Payload
}

// NewSchema1Builder starts a schema 1 manifest for the given repository and tag.
func NewSchema1Builder(name, tag, architecture string) *Schema1Builder {
	return &Schema1Builder{payload: schema1Payload{
		SchemaVersion: 1,
		Name:          name,
		Tag:           tag,
		Architecture:  architecture,
		FSLayers:      []FSLayer{},
		History:       []History{},
	}}
}

// AddLayer appends a layer and its v1 compatibility entry.
func (b *Schema1Builder) AddLayer(blobSum digest.Digest, v1Compatibility string) {
	b.payload.FSLayers = append(b.payload.FSLayers, FSLayer{BlobSum: blobSum})
	b.payload.History = append(b.payload.History, History{V1Compatibility: v1Compatibility})
}

// Build serializes the manifest. When key is not nil the result is JWS signed.
func (b *Schema1Builder) Build(key libtrust.PrivateKey) (Manifest, error) {
	p, err := json.MarshalIndent(&b.payload, "", "   ")
	if err != nil {
		return nil, err
	}
	if key == nil {
		return parseSchema1(p, MediaTypeSchema1)
	}

	js, err := libtrust.NewJSONSignature(p)
	if err != nil {
		return nil, err
	}
	if err := js.Sign(key); err != nil {
		return nil, err
	}
	signed, err := js.PrettySignature("signatures")
	if err != nil {
		return nil, err
	}
	return parseSchema1Signed(signed)
}
