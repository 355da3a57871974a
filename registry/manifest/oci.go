package manifest

import (
	"context"
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// OCIManifest is an OCI image manifest. Artifacts are OCI manifests with an artifactType or a non image config.
type OCIManifest struct {
	parsed v1.Manifest
	raw    []byte
	digest digest.Digest
}

var _ Manifest = &OCIManifest{}

func parseOCIManifest(payload []byte) (*OCIManifest, error) {
	m := &OCIManifest{raw: payload, digest: digest.FromBytes(payload)}
	if err := json.Unmarshal(payload, &m.parsed); err != nil {
		return nil, invalid("malformed OCI manifest: %v", err)
	}
	if m.parsed.SchemaVersion != 2 {
		return nil, invalid("OCI manifest has schemaVersion %d", m.parsed.SchemaVersion)
	}
	if m.parsed.MediaType != "" && m.parsed.MediaType != MediaTypeOCIManifest {
		return nil, invalid("OCI manifest has mediaType %q", m.parsed.MediaType)
	}
	return m, nil
}

func (m *OCIManifest) Digest() digest.Digest           { return m.digest }
func (m *OCIManifest) MediaType() string               { return MediaTypeOCIManifest }
func (m *OCIManifest) Bytes() []byte                   { return m.raw }
func (m *OCIManifest) SchemaVersion() int              { return 2 }
func (m *OCIManifest) IsManifestList() bool            { return false }
func (m *OCIManifest) ChildManifests() []v1.Descriptor { return nil }
func (m *OCIManifest) ConfigMediaType() string         { return m.parsed.Config.MediaType }
func (m *OCIManifest) Subject() *v1.Descriptor         { return m.parsed.Subject }

// Annotations returns the manifest annotations.
func (m *OCIManifest) Annotations() map[string]string { return m.parsed.Annotations }

// ArtifactType returns the declared artifact type, falling back to the config media type for artifacts using a
// custom config.
func (m *OCIManifest) ArtifactType() string {
	if m.parsed.ArtifactType != "" {
		return m.parsed.ArtifactType
	}
	if m.isImage() {
		return ""
	}
	return m.parsed.Config.MediaType
}

func (m *OCIManifest) isImage() bool {
	return m.parsed.Config.MediaType == v1.MediaTypeImageConfig || m.parsed.Config.MediaType == MediaTypeSchema2Config
}

func (m *OCIManifest) BlobDigests() []digest.Digest {
	dd := []digest.Digest{m.parsed.Config.Digest}
	for _, l := range m.parsed.Layers {
		dd = append(dd, l.Digest)
	}
	return uniqueDigests(dd)
}

func (m *OCIManifest) LocalBlobDigests() []digest.Digest {
	dd := make([]digest.Digest, 0, len(m.parsed.Layers)+1)
	// the empty descriptor of artifacts carries its content inline
	if m.parsed.Config.MediaType != v1.MediaTypeEmptyJSON || len(m.parsed.Config.Data) == 0 {
		dd = append(dd, m.parsed.Config.Digest)
	}
	for _, l := range m.parsed.Layers {
		if len(l.URLs) > 0 {
			continue
		}
		dd = append(dd, l.Digest)
	}
	return uniqueDigests(dd)
}

func (m *OCIManifest) LayersCompressedSize() (int64, bool) {
	var size int64
	for _, l := range m.parsed.Layers {
		size += l.Size
	}
	return size, true
}

func (m *OCIManifest) Validate(_ context.Context, _ ContentRetriever) error {
	if err := validateDescriptor("config", m.parsed.Config); err != nil {
		return err
	}
	if m.parsed.Config.MediaType == "" {
		return invalid("OCI manifest config has no mediaType")
	}
	if len(m.parsed.Layers) == 0 && m.isImage() && m.parsed.ArtifactType == "" {
		return invalid("OCI image manifest has no layers")
	}
	for _, l := range m.parsed.Layers {
		if err := validateDescriptor("layer", l); err != nil {
			return err
		}
	}
	if m.parsed.Subject != nil {
		if err := validateDescriptor("subject", *m.parsed.Subject); err != nil {
			return err
		}
	}
	return nil
}

func (m *OCIManifest) Labels(ctx context.Context, r ContentRetriever) (map[string]string, error) {
	labels := make(map[string]string)
	if m.isImage() {
		cl, err := configLabels(ctx, r, m.parsed.Config.Digest)
		if err != nil {
			return nil, err
		}
		for k, v := range cl {
			labels[k] = v
		}
	}
	for k, v := range m.parsed.Annotations {
		labels[k] = v
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}

func (m *OCIManifest) ConvertTo(ctx context.Context, mediaType string, opts ConvertOptions) (Manifest, error) {
	switch {
	case mediaType == MediaTypeOCIManifest:
		return m, nil
	case IsSchema1(mediaType) && m.isImage():
		return imageToSchema1(ctx, m.parsed.Config.Digest, m.parsed.Layers, opts)
	default:
		return nil, ErrConversionUnsupported
	}
}

// OCIIndex is an OCI image index.
type OCIIndex struct {
	parsed v1.Index
	raw    []byte
	digest digest.Digest
}

var _ Manifest = &OCIIndex{}

func parseOCIIndex(payload []byte) (*OCIIndex, error) {
	m := &OCIIndex{raw: payload, digest: digest.FromBytes(payload)}
	if err := json.Unmarshal(payload, &m.parsed); err != nil {
		return nil, invalid("malformed OCI index: %v", err)
	}
	if m.parsed.SchemaVersion != 2 {
		return nil, invalid("OCI index has schemaVersion %d", m.parsed.SchemaVersion)
	}
	if m.parsed.MediaType != "" && m.parsed.MediaType != MediaTypeOCIIndex {
		return nil, invalid("OCI index has mediaType %q", m.parsed.MediaType)
	}
	return m, nil
}

func (m *OCIIndex) Digest() digest.Digest               { return m.digest }
func (m *OCIIndex) MediaType() string                   { return MediaTypeOCIIndex }
func (m *OCIIndex) Bytes() []byte                       { return m.raw }
func (m *OCIIndex) SchemaVersion() int                  { return 2 }
func (m *OCIIndex) IsManifestList() bool                { return true }
func (m *OCIIndex) BlobDigests() []digest.Digest        { return nil }
func (m *OCIIndex) LocalBlobDigests() []digest.Digest   { return nil }
func (m *OCIIndex) ChildManifests() []v1.Descriptor     { return m.parsed.Manifests }
func (m *OCIIndex) ConfigMediaType() string             { return "" }
func (m *OCIIndex) LayersCompressedSize() (int64, bool) { return 0, false }
func (m *OCIIndex) Subject() *v1.Descriptor             { return m.parsed.Subject }
func (m *OCIIndex) ArtifactType() string                { return m.parsed.ArtifactType }

// Annotations returns the index annotations.
func (m *OCIIndex) Annotations() map[string]string { return m.parsed.Annotations }

func (m *OCIIndex) Validate(_ context.Context, _ ContentRetriever) error {
	if m.parsed.Manifests == nil {
		return invalid("OCI index has no manifests field")
	}
	if m.parsed.Subject != nil {
		if err := validateDescriptor("subject", *m.parsed.Subject); err != nil {
			return err
		}
	}
	return validateChildren(m.parsed.Manifests)
}

func (m *OCIIndex) Labels(_ context.Context, _ ContentRetriever) (map[string]string, error) {
	if len(m.parsed.Annotations) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(m.parsed.Annotations))
	for k, v := range m.parsed.Annotations {
		labels[k] = v
	}
	return labels, nil
}

func (m *OCIIndex) ConvertTo(ctx context.Context, mediaType string, opts ConvertOptions) (Manifest, error) {
	if mediaType == MediaTypeOCIIndex {
		return m, nil
	}
	return listToSchema1(ctx, m.parsed.Manifests, mediaType, opts)
}

// BuildReferrersIndex builds the OCI index returned by the referrers API.
func BuildReferrersIndex(descriptors []v1.Descriptor) ([]byte, error) {
	if descriptors == nil {
		descriptors = []v1.Descriptor{}
	}
	idx := struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Manifests     []v1.Descriptor `json:"manifests"`
	}{
		SchemaVersion: 2,
		MediaType:     MediaTypeOCIIndex,
		Manifests:     descriptors,
	}
	return json.Marshal(idx)
}
