package testutil

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/quay/quay-sub006/registry/manifest"
)

// Image is a manifest together with the blobs it references.
type Image struct {
	MediaType      string
	Payload        []byte
	ManifestDigest digest.Digest
	Config         []byte
	ConfigDigest   digest.Digest
	Layers         map[digest.Digest][]byte
	// LayerOrder lists the layer digests base first.
	LayerOrder []digest.Digest
}

// Blobs returns every blob of the image keyed by digest, config included.
func (img Image) Blobs() map[digest.Digest][]byte {
	bb := make(map[digest.Digest][]byte, len(img.Layers)+1)
	for d, b := range img.Layers {
		bb[d] = b
	}
	if img.Config != nil {
		bb[img.ConfigDigest] = img.Config
	}
	return bb
}

// CreateRandomLayers returns n random blobs keyed by digest, and their order.
func CreateRandomLayers(n int) (map[digest.Digest][]byte, []digest.Digest, error) {
	layers := make(map[digest.Digest][]byte, n)
	order := make([]digest.Digest, 0, n)
	for i := 0; i < n; i++ {
		b := make([]byte, 64+i)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("generating random layer: %w", err)
		}
		d := digest.FromBytes(b)
		layers[d] = b
		order = append(order, d)
	}
	return layers, order, nil
}

// MakeImageConfig builds an image config with one history entry per layer plus an empty layer entry, and the
// given labels.
func MakeImageConfig(layerCount int, labels map[string]string) []byte {
	type historyEntry struct {
		Created    string `json:"created"`
		CreatedBy  string `json:"created_by"`
		EmptyLayer bool   `json:"empty_layer,omitempty"`
	}
	created := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	hh := make([]historyEntry, 0, layerCount+1)
	diffIDs := make([]string, 0, layerCount)
	for i := 0; i < layerCount; i++ {
		hh = append(hh, historyEntry{Created: created, CreatedBy: fmt.Sprintf("/bin/sh -c #(nop) ADD file%d /", i)})
		diffIDs = append(diffIDs, digest.FromString(fmt.Sprintf("diff%d", i)).String())
	}
	hh = append(hh, historyEntry{Created: created, CreatedBy: `/bin/sh -c #(nop) CMD ["sh"]`, EmptyLayer: true})

	c := map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]interface{}{"Labels": labels, "Cmd": []string{"sh"}},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": diffIDs},
		"history":      hh,
	}
	b, _ := json.Marshal(c)
	return b
}

// MakeSchema2Image builds a schema 2 image manifest with n random layers.
func MakeSchema2Image(n int, labels map[string]string) (Image, error) {
	return makeImage(manifest.MediaTypeSchema2, manifest.MediaTypeSchema2Config, manifest.MediaTypeSchema2Layer, n, labels)
}

// MakeOCIImage builds an OCI image manifest with n random layers.
func MakeOCIImage(n int, labels map[string]string) (Image, error) {
	return makeImage(v1.MediaTypeImageManifest, v1.MediaTypeImageConfig, v1.MediaTypeImageLayerGzip, n, labels)
}

func makeImage(mediaType, configType, layerType string, n int, labels map[string]string) (Image, error) {
	layers, order, err := CreateRandomLayers(n)
	if err != nil {
		return Image{}, err
	}
	config := MakeImageConfig(n, labels)

	m := struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Config        v1.Descriptor   `json:"config"`
		Layers        []v1.Descriptor `json:"layers"`
	}{
		SchemaVersion: 2,
		MediaType:     mediaType,
		Config:        v1.Descriptor{MediaType: configType, Digest: digest.FromBytes(config), Size: int64(len(config))},
	}
	for _, d := range order {
		m.Layers = append(m.Layers, v1.Descriptor{MediaType: layerType, Digest: d, Size: int64(len(layers[d]))})
	}

	payload, err := json.MarshalIndent(m, "", "   ")
	if err != nil {
		return Image{}, err
	}

	return Image{
		MediaType:      mediaType,
		Payload:        payload,
		ManifestDigest: digest.FromBytes(payload),
		Config:         config,
		ConfigDigest:   digest.FromBytes(config),
		Layers:         layers,
		LayerOrder:     order,
	}, nil
}

// MakeReferrer builds an OCI artifact manifest whose subject is the given image.
func MakeReferrer(subject Image, artifactType string) (Image, error) {
	layers, order, err := CreateRandomLayers(1)
	if err != nil {
		return Image{}, err
	}
	empty := []byte("{}")
	m := v1.Manifest{
		MediaType:    v1.MediaTypeImageManifest,
		ArtifactType: artifactType,
		Config:       v1.Descriptor{MediaType: v1.MediaTypeEmptyJSON, Digest: digest.FromBytes(empty), Size: 2},
		Layers:       []v1.Descriptor{{MediaType: "application/octet-stream", Digest: order[0], Size: int64(len(layers[order[0]]))}},
		Subject:      &v1.Descriptor{MediaType: subject.MediaType, Digest: subject.ManifestDigest, Size: int64(len(subject.Payload))},
	}
	m.SchemaVersion = 2

	payload, err := json.Marshal(m)
	if err != nil {
		return Image{}, err
	}
	return Image{
		MediaType:      v1.MediaTypeImageManifest,
		Payload:        payload,
		ManifestDigest: digest.FromBytes(payload),
		Config:         empty,
		ConfigDigest:   digest.FromBytes(empty),
		Layers:         layers,
		LayerOrder:     order,
	}, nil
}

// PlatformImage pairs an image with the platform it is listed under.
type PlatformImage struct {
	Image        Image
	OS           string
	Architecture string
}

// MakeManifestList constructs a manifest list (or OCI index, depending on mediaType) out of images.
func MakeManifestList(mediaType string, children []PlatformImage) ([]byte, error) {
	descriptors := make([]v1.Descriptor, 0, len(children))
	for _, c := range children {
		descriptors = append(descriptors, v1.Descriptor{
			MediaType: c.Image.MediaType,
			Digest:    c.Image.ManifestDigest,
			Size:      int64(len(c.Image.Payload)),
			Platform:  &v1.Platform{OS: c.OS, Architecture: c.Architecture},
		})
	}
	l := struct {
		SchemaVersion int             `json:"schemaVersion"`
		MediaType     string          `json:"mediaType"`
		Manifests     []v1.Descriptor `json:"manifests"`
	}{SchemaVersion: 2, MediaType: mediaType, Manifests: descriptors}

	return json.MarshalIndent(l, "", "   ")
}

// MakeSchema1Manifest constructs a signed schema 1 manifest from a given list of digests, leaf first.
func MakeSchema1Manifest(name, tag string, digests []digest.Digest) (manifest.Manifest, error) {
	b := manifest.NewSchema1Builder(name, tag, manifest.Schema1Architecture)
	for i, d := range digests {
		b.AddLayer(d, fmt.Sprintf(`{"id":"%064d"}`, i))
	}

	pk, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("unexpected error generating private key: %v", err)
	}

	return b.Build(pk)
}

// MapRetriever serves manifests and blobs from memory.
type MapRetriever struct {
	Manifests map[digest.Digest][]byte
	Blobs     map[digest.Digest][]byte
}

// NewMapRetriever builds a retriever holding every manifest and blob of images.
func NewMapRetriever(images ...Image) *MapRetriever {
	r := &MapRetriever{Manifests: map[digest.Digest][]byte{}, Blobs: map[digest.Digest][]byte{}}
	for _, img := range images {
		r.Manifests[img.ManifestDigest] = img.Payload
		for d, b := range img.Blobs() {
			r.Blobs[d] = b
		}
	}
	return r
}

func (r *MapRetriever) GetManifestBytesWithDigest(_ context.Context, d digest.Digest) ([]byte, error) {
	b, ok := r.Manifests[d]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", d)
	}
	return b, nil
}

func (r *MapRetriever) GetBlobBytesWithDigest(_ context.Context, d digest.Digest) ([]byte, error) {
	b, ok := r.Blobs[d]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", d)
	}
	return b, nil
}
