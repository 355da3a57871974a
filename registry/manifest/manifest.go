package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ErrConversionUnsupported is returned when a manifest cannot be converted to the requested media type.
	ErrConversionUnsupported = errors.New("manifest conversion not supported")
	// ErrUnverified is returned when the signature of a signed schema 1 manifest does not verify.
	ErrUnverified = errors.New("manifest signature verification failed")
)

// UnsupportedMediaTypeError is returned when parsing a manifest of an unknown media type.
type UnsupportedMediaTypeError struct {
	MediaType string
}

func (e UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("unsupported manifest media type %q", e.MediaType)
}

// ValidationError describes a structural problem with a manifest.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "invalid manifest: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ContentRetriever loads content referenced by a manifest. Implementations are scoped to a single repository.
type ContentRetriever interface {
	GetManifestBytesWithDigest(ctx context.Context, d digest.Digest) ([]byte, error)
	GetBlobBytesWithDigest(ctx context.Context, d digest.Digest) ([]byte, error)
}

// ConvertOptions carries what a conversion needs beyond the manifest itself.
type ConvertOptions struct {
	Retriever ContentRetriever
	// Name is the repository path embedded in schema 1 manifests.
	Name string
	// Tag is the tag embedded in schema 1 manifests.
	Tag string
	// SigningKey signs generated schema 1 manifests. When nil, unsigned manifests are produced.
	SigningKey libtrust.PrivateKey
}

// Manifest is the capability set shared by every manifest variant the registry stores.
type Manifest interface {
	// Digest is the content address of the manifest.
	Digest() digest.Digest
	MediaType() string
	// Bytes returns the exact bytes the manifest was parsed from.
	Bytes() []byte
	SchemaVersion() int
	IsManifestList() bool
	// BlobDigests returns every blob the manifest references, including the config and foreign layers.
	BlobDigests() []digest.Digest
	// LocalBlobDigests returns the blobs which must be present in the registry.
	LocalBlobDigests() []digest.Digest
	// ChildManifests returns the manifests referenced by a list or index.
	ChildManifests() []v1.Descriptor
	ConfigMediaType() string
	// LayersCompressedSize returns the sum of the layer sizes, when known.
	LayersCompressedSize() (int64, bool)
	// Subject returns the manifest this one refers to, if any.
	Subject() *v1.Descriptor
	ArtifactType() string
	Validate(ctx context.Context, r ContentRetriever) error
	Labels(ctx context.Context, r ContentRetriever) (map[string]string, error)
	ConvertTo(ctx context.Context, mediaType string, opts ConvertOptions) (Manifest, error)
}

// Parse decodes payload as a manifest of the given media type. The legacy application/json content type is
// parsed as a signed schema 1 manifest. An empty media type is sniffed from the payload.
func Parse(mediaType string, payload []byte) (Manifest, error) {
	if mediaType == "" {
		mediaType = sniffMediaType(payload)
	}

	switch mediaType {
	case MediaTypeSchema1Signed, MediaTypeLegacyJSON:
		return parseSchema1Signed(payload)
	case MediaTypeSchema1:
		return parseSchema1(payload, MediaTypeSchema1)
	case MediaTypeSchema2:
		return parseSchema2Image(payload)
	case MediaTypeSchema2List:
		return parseSchema2List(payload)
	case MediaTypeOCIManifest:
		return parseOCIManifest(payload)
	case MediaTypeOCIIndex:
		return parseOCIIndex(payload)
	default:
		return nil, UnsupportedMediaTypeError{MediaType: mediaType}
	}
}

type versioned struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType,omitempty"`
	Signatures    []struct {
		Header interface{} `json:"header"`
	} `json:"signatures,omitempty"`
	Manifests json.RawMessage `json:"manifests,omitempty"`
}

func sniffMediaType(payload []byte) string {
	var v versioned
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	switch {
	case v.SchemaVersion == 1 && len(v.Signatures) > 0:
		return MediaTypeSchema1Signed
	case v.SchemaVersion == 1:
		return MediaTypeSchema1
	case v.MediaType != "":
		return v.MediaType
	case len(v.Manifests) > 0:
		return MediaTypeOCIIndex
	default:
		return MediaTypeOCIManifest
	}
}

func uniqueDigests(dd []digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(dd))
	out := make([]digest.Digest, 0, len(dd))
	for _, d := range dd {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func validateDescriptor(kind string, d v1.Descriptor) error {
	if err := d.Digest.Validate(); err != nil {
		return invalid("%s digest %q: %v", kind, d.Digest, err)
	}
	if d.Size < 0 {
		return invalid("%s %s has negative size", kind, d.Digest)
	}
	return nil
}

func validateChildren(children []v1.Descriptor) error {
	for _, c := range children {
		if err := validateDescriptor("manifest", c); err != nil {
			return err
		}
		if IsList(c.MediaType) {
			return invalid("nested manifest list %s is not supported", c.Digest)
		}
		if c.MediaType != "" && !IsSupported(c.MediaType) {
			return invalid("child manifest %s has unsupported media type %q", c.Digest, c.MediaType)
		}
	}
	return nil
}

// listToSchema1 converts a manifest list or index by converting its linux/amd64 child.
func listToSchema1(ctx context.Context, children []v1.Descriptor, mediaType string, opts ConvertOptions) (Manifest, error) {
	if !IsSchema1(mediaType) {
		return nil, ErrConversionUnsupported
	}
	var child *v1.Descriptor
	for i := range children {
		p := children[i].Platform
		if p != nil && p.OS == "linux" && p.Architecture == "amd64" {
			child = &children[i]
			break
		}
	}
	if child == nil {
		return nil, fmt.Errorf("no linux/amd64 child manifest: %w", ErrConversionUnsupported)
	}
	if opts.Retriever == nil {
		return nil, errors.New("content retriever required for conversion")
	}

	payload, err := opts.Retriever.GetManifestBytesWithDigest(ctx, child.Digest)
	if err != nil {
		return nil, fmt.Errorf("retrieving child manifest %s: %w", child.Digest, err)
	}
	m, err := Parse(child.MediaType, payload)
	if err != nil {
		return nil, fmt.Errorf("parsing child manifest %s: %w", child.Digest, err)
	}
	return m.ConvertTo(ctx, mediaType, opts)
}

// configLabels reads the labels of an image config blob.
func configLabels(ctx context.Context, r ContentRetriever, d digest.Digest) (map[string]string, error) {
	if r == nil {
		return nil, nil
	}
	b, err := r.GetBlobBytesWithDigest(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("retrieving config blob %s: %w", d, err)
	}
	var c struct {
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"config"`
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, invalid("malformed config blob %s: %v", d, err)
	}
	return c.Config.Labels, nil
}
