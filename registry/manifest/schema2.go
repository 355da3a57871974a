package manifest

import (
	"context"
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

type schema2Payload struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Config        v1.Descriptor   `json:"config"`
	Layers        []v1.Descriptor `json:"layers"`
}

// Schema2Image is a docker image manifest.
type Schema2Image struct {
	parsed schema2Payload
	raw    []byte
	digest digest.Digest
}

var _ Manifest = &Schema2Image{}

func parseSchema2Image(payload []byte) (*Schema2Image, error) {
	m := &Schema2Image{raw: payload, digest: digest.FromBytes(payload)}
	if err := json.Unmarshal(payload, &m.parsed); err != nil {
		return nil, invalid("malformed schema 2 manifest: %v", err)
	}
	if m.parsed.SchemaVersion != 2 {
		return nil, invalid("schema 2 manifest has schemaVersion %d", m.parsed.SchemaVersion)
	}
	if m.parsed.MediaType != "" && m.parsed.MediaType != MediaTypeSchema2 {
		return nil, invalid("schema 2 manifest has mediaType %q", m.parsed.MediaType)
	}
	return m, nil
}

func (m *Schema2Image) Digest() digest.Digest           { return m.digest }
func (m *Schema2Image) MediaType() string               { return MediaTypeSchema2 }
func (m *Schema2Image) Bytes() []byte                   { return m.raw }
func (m *Schema2Image) SchemaVersion() int              { return 2 }
func (m *Schema2Image) IsManifestList() bool            { return false }
func (m *Schema2Image) ChildManifests() []v1.Descriptor { return nil }
func (m *Schema2Image) ConfigMediaType() string         { return m.parsed.Config.MediaType }
func (m *Schema2Image) Subject() *v1.Descriptor         { return nil }
func (m *Schema2Image) ArtifactType() string            { return "" }

// Config returns the config descriptor.
func (m *Schema2Image) Config() v1.Descriptor { return m.parsed.Config }

// Layers returns the layer descriptors, base first.
func (m *Schema2Image) Layers() []v1.Descriptor { return m.parsed.Layers }

func (m *Schema2Image) BlobDigests() []digest.Digest {
	dd := []digest.Digest{m.parsed.Config.Digest}
	for _, l := range m.parsed.Layers {
		dd = append(dd, l.Digest)
	}
	return uniqueDigests(dd)
}

func (m *Schema2Image) LocalBlobDigests() []digest.Digest {
	dd := []digest.Digest{m.parsed.Config.Digest}
	for _, l := range m.parsed.Layers {
		if len(l.URLs) > 0 {
			continue
		}
		dd = append(dd, l.Digest)
	}
	return uniqueDigests(dd)
}

func (m *Schema2Image) LayersCompressedSize() (int64, bool) {
	var size int64
	for _, l := range m.parsed.Layers {
		size += l.Size
	}
	return size, true
}

func (m *Schema2Image) Validate(_ context.Context, _ ContentRetriever) error {
	if err := validateDescriptor("config", m.parsed.Config); err != nil {
		return err
	}
	if len(m.parsed.Layers) == 0 {
		return invalid("schema 2 manifest has no layers")
	}
	for _, l := range m.parsed.Layers {
		if err := validateDescriptor("layer", l); err != nil {
			return err
		}
		if l.MediaType == MediaTypeSchema2ForeignLayer && len(l.URLs) == 0 {
			return invalid("foreign layer %s has no urls", l.Digest)
		}
	}
	return nil
}

func (m *Schema2Image) Labels(ctx context.Context, r ContentRetriever) (map[string]string, error) {
	return configLabels(ctx, r, m.parsed.Config.Digest)
}

func (m *Schema2Image) ConvertTo(ctx context.Context, mediaType string, opts ConvertOptions) (Manifest, error) {
	switch {
	case mediaType == MediaTypeSchema2:
		return m, nil
	case IsSchema1(mediaType):
		return imageToSchema1(ctx, m.parsed.Config.Digest, m.parsed.Layers, opts)
	default:
		return nil, ErrConversionUnsupported
	}
}

type schema2ListPayload struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Manifests     []v1.Descriptor `json:"manifests"`
}

// Schema2List is a docker manifest list.
type Schema2List struct {
	parsed schema2ListPayload
	raw    []byte
	digest digest.Digest
}

var _ Manifest = &Schema2List{}

func parseSchema2List(payload []byte) (*Schema2List, error) {
	m := &Schema2List{raw: payload, digest: digest.FromBytes(payload)}
	if err := json.Unmarshal(payload, &m.parsed); err != nil {
		return nil, invalid("malformed manifest list: %v", err)
	}
	if m.parsed.SchemaVersion != 2 {
		return nil, invalid("manifest list has schemaVersion %d", m.parsed.SchemaVersion)
	}
	if m.parsed.MediaType != "" && m.parsed.MediaType != MediaTypeSchema2List {
		return nil, invalid("manifest list has mediaType %q", m.parsed.MediaType)
	}
	return m, nil
}

func (m *Schema2List) Digest() digest.Digest               { return m.digest }
func (m *Schema2List) MediaType() string                   { return MediaTypeSchema2List }
func (m *Schema2List) Bytes() []byte                       { return m.raw }
func (m *Schema2List) SchemaVersion() int                  { return 2 }
func (m *Schema2List) IsManifestList() bool                { return true }
func (m *Schema2List) BlobDigests() []digest.Digest        { return nil }
func (m *Schema2List) LocalBlobDigests() []digest.Digest   { return nil }
func (m *Schema2List) ChildManifests() []v1.Descriptor     { return m.parsed.Manifests }
func (m *Schema2List) ConfigMediaType() string             { return "" }
func (m *Schema2List) LayersCompressedSize() (int64, bool) { return 0, false }
func (m *Schema2List) Subject() *v1.Descriptor             { return nil }
func (m *Schema2List) ArtifactType() string                { return "" }

func (m *Schema2List) Validate(_ context.Context, _ ContentRetriever) error {
	if m.parsed.Manifests == nil {
		return invalid("manifest list has no manifests field")
	}
	return validateChildren(m.parsed.Manifests)
}

func (m *Schema2List) Labels(_ context.Context, _ ContentRetriever) (map[string]string, error) {
	return nil, nil
}

func (m *Schema2List) ConvertTo(ctx context.Context, mediaType string, opts ConvertOptions) (Manifest, error) {
	if mediaType == MediaTypeSchema2List {
		return m, nil
	}
	return listToSchema1(ctx, m.parsed.Manifests, mediaType, opts)
}
