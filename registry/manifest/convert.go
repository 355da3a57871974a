package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Schema1Architecture is the architecture written into generated schema 1 manifests.
const Schema1Architecture = "amd64"

type historyEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Author     string `json:"author,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`

	raw json.RawMessage
}

type legacyLayer struct {
	v1ID       string
	parentID   string
	blobDigest digest.Digest
	size       int64
	history    historyEntry
}

// imageToSchema1 builds a schema 1 manifest from an image config and its layers. Each history entry of the config
// becomes a v1 layer whose id is derived from the entry, its position and the blob backing it.
func imageToSchema1(ctx context.Context, configDigest digest.Digest, layers []v1.Descriptor, opts ConvertOptions) (Manifest, error) {
	if opts.Retriever == nil {
		return nil, errors.New("content retriever required for conversion")
	}
	configBytes, err := opts.Retriever.GetBlobBytesWithDigest(ctx, configDigest)
	if err != nil {
		return nil, fmt.Errorf("retrieving config blob %s: %w", configDigest, err)
	}

	var config map[string]json.RawMessage
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return nil, invalid("malformed config blob %s: %v", configDigest, err)
	}

	history, err := parseHistory(config, len(layers))
	if err != nil {
		return nil, err
	}

	legacy, err := legacyLayers(history, layers)
	if err != nil {
		return nil, err
	}

	b := NewSchema1Builder(opts.Name, opts.Tag, Schema1Architecture)
	for i := len(legacy) - 1; i >= 0; i-- {
		l := legacy[i]

		var v1c []byte
		if i == len(legacy)-1 {
			v1c, err = leafV1Compatibility(config, l)
		} else {
			v1c, err = json.Marshal(intermediateV1Compatibility(l))
		}
		if err != nil {
			return nil, fmt.Errorf("building v1 compatibility: %w", err)
		}
		b.AddLayer(l.blobDigest, string(v1c))
	}

	return b.Build(opts.SigningKey)
}

func parseHistory(config map[string]json.RawMessage, layerCount int) ([]historyEntry, error) {
	raw, ok := config["history"]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		// synthesize one entry per layer
		hh := make([]historyEntry, layerCount)
		for i := range hh {
			hh[i].raw = json.RawMessage(`{}`)
		}
		return hh, nil
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(raw, &rawEntries); err != nil {
		return nil, invalid("malformed config history: %v", err)
	}
	hh := make([]historyEntry, len(rawEntries))
	for i, r := range rawEntries {
		if err := json.Unmarshal(r, &hh[i]); err != nil {
			return nil, invalid("malformed config history entry %d: %v", i, err)
		}
		hh[i].raw = r
	}
	return hh, nil
}

func legacyLayers(history []historyEntry, layers []v1.Descriptor) ([]legacyLayer, error) {
	h := sha256.New()
	out := make([]legacyLayer, 0, len(history))

	var parentID string
	blobIndex := 0
	for i, entry := range history {
		if !entry.EmptyLayer && blobIndex >= len(layers) {
			return nil, invalid("config history references more layers than the manifest has")
		}

		blobDigest := EmptyLayerDigest
		size := int64(len(EmptyLayerBytes))
		if !entry.EmptyLayer {
			blobDigest = layers[blobIndex].Digest
			size = layers[blobIndex].Size
		}

		h.Write(entry.raw)
		h.Write([]byte("|"))
		h.Write([]byte(strconv.Itoa(i)))
		h.Write([]byte("|"))
		h.Write([]byte(blobDigest.String()))
		h.Write([]byte("||"))
		id := hex.EncodeToString(h.Sum(nil))

		out = append(out, legacyLayer{
			v1ID:       id,
			parentID:   parentID,
			blobDigest: blobDigest,
			size:       size,
			history:    entry,
		})
		parentID = id

		if !entry.EmptyLayer {
			blobIndex++
		}
	}
	if blobIndex != len(layers) {
		return nil, invalid("config history references %d layers but the manifest has %d", blobIndex, len(layers))
	}

	return out, nil
}

type v1ContainerConfig struct {
	Cmd []string `json:"Cmd"`
}

type v1Compatibility struct {
	ID              string            `json:"id"`
	Parent          string            `json:"parent,omitempty"`
	Created         string            `json:"created,omitempty"`
	Author          string            `json:"author,omitempty"`
	Comment         string            `json:"comment,omitempty"`
	ContainerConfig v1ContainerConfig `json:"container_config"`
	ThrowAway       bool              `json:"throwaway,omitempty"`
}

func intermediateV1Compatibility(l legacyLayer) v1Compatibility {
	return v1Compatibility{
		ID:              l.v1ID,
		Parent:          l.parentID,
		Created:         l.history.Created,
		Author:          l.history.Author,
		Comment:         l.history.Comment,
		ContainerConfig: v1ContainerConfig{Cmd: []string{l.history.CreatedBy}},
		ThrowAway:       l.history.EmptyLayer,
	}
}

// leafV1Compatibility carries the whole image config, minus the fields which only make sense in schema 2.
func leafV1Compatibility(config map[string]json.RawMessage, l legacyLayer) ([]byte, error) {
	out := make(map[string]interface{}, len(config)+8)
	for k, v := range config {
		if k == "history" || k == "rootfs" {
			continue
		}
		out[k] = v
	}

	out["id"] = l.v1ID
	if l.parentID != "" {
		out["parent"] = l.parentID
	}
	if l.history.Created != "" {
		out["created"] = l.history.Created
	}
	if l.history.Author != "" {
		out["author"] = l.history.Author
	}
	if l.history.Comment != "" {
		out["comment"] = l.history.Comment
	}
	if l.history.EmptyLayer {
		out["throwaway"] = true
	}
	out["container_config"] = v1ContainerConfig{Cmd: []string{l.history.CreatedBy}}
	out["Size"] = l.size

	return json.Marshal(out)
}
