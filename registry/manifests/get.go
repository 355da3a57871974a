package manifests

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/tags"
)

// Fetched is a manifest ready to be served. MediaType, Bytes and Digest describe the returned payload, which differs
// from the stored manifest when it had to be converted.
type Fetched struct {
	Manifest  *models.Manifest
	Tag       *models.Tag
	MediaType string
	Bytes     []byte
	Digest    digest.Digest
	Converted bool
}

// Get returns the manifest ref of repo, where ref is a tag or a digest. Manifests fetched by digest are returned as
// stored. Manifests fetched by tag are converted when the client does not accept the stored media type: first to
// one of the accepted types, then to schema 1 as the fallback every client understands. tags.ErrTagExpired is
// returned for tags that exist in history only.
func (s *Service) Get(ctx context.Context, ac auth.AuthContext, repo *models.Repository, ref string, accepted []string) (*Fetched, error) {
	if dgst, err := digest.Parse(ref); err == nil {
		m, err := s.Lookup(ctx, repo, dgst)
		if err != nil {
			return nil, err
		}
		return &Fetched{Manifest: m, MediaType: m.MediaType, Bytes: m.Bytes, Digest: m.Digest}, nil
	}

	t, err := s.tags.Resolve(ctx, repo, ref)
	if err != nil {
		if errors.Is(err, tags.ErrTagUnknown) {
			return nil, ErrManifestUnknown
		}
		return nil, err
	}
	m, err := manifestStoreConstructor(s.db).FindByID(ctx, t.ManifestID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrManifestUnknown
	}

	f, err := s.rewrite(ctx, repo, ref, m, accepted)
	if err != nil {
		loggerFor(ctx, ac, repo).WithError(err).WithFields(map[string]interface{}{
			"tag":        ref,
			"digest":     m.Digest,
			"media_type": m.MediaType,
			"accepted":   accepted,
		}).Warn("manifest not convertible for client")
		return nil, ErrManifestUnknown
	}
	f.Tag = t
	return f, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Service) rewrite(ctx context.Context, repo *models.Repository, tag string, m *models.Manifest, accepted []string) (*Fetched, error) {
	stored := &Fetched{Manifest: m, MediaType: m.MediaType, Bytes: m.Bytes, Digest: m.Digest}
	if contains(accepted, m.MediaType) {
		return stored, nil
	}
	if (len(accepted) == 0 || (len(accepted) == 1 && accepted[0] == manifest.MediaTypeLegacyJSON)) && manifest.IsSchema1(m.MediaType) {
		return stored, nil
	}

	targets := make([]string, 0, len(manifest.ManifestMediaTypes)+1)
	for _, mt := range manifest.ManifestMediaTypes {
		if contains(accepted, mt) && !manifest.IsSchema1(mt) {
			targets = append(targets, mt)
		}
	}
	schema1 := manifest.MediaTypeSchema1
	if s.cfg.SigningKey != nil {
		schema1 = manifest.MediaTypeSchema1Signed
	}
	targets = append(targets, schema1)

	parsed, err := manifest.Parse(m.MediaType, m.Bytes)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, target := range targets {
		key := cache.ConvertedManifestKey(repo.NamespaceName, repo.Name, m.Digest, target+":"+tag)
		if cm, ok := s.cachedConversion(ctx, key); ok {
			return converted(m, cm), nil
		}

		c, err := parsed.ConvertTo(ctx, target, manifest.ConvertOptions{
			Retriever:  s.Retriever(repo),
			Name:       repo.Path(),
			Tag:        tag,
			SigningKey: s.cfg.SigningKey,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if err := s.ensureSharedBlobs(ctx, c); err != nil {
			return nil, err
		}

		cm := &convertedManifest{MediaType: c.MediaType(), Bytes: c.Bytes()}
		s.cacheConversion(ctx, key, cm)
		return converted(m, cm), nil
	}
	return nil, lastErr
}

func converted(m *models.Manifest, cm *convertedManifest) *Fetched {
	return &Fetched{
		Manifest:  m,
		MediaType: cm.MediaType,
		Bytes:     cm.Bytes,
		Digest:    digestOf(cm),
		Converted: cm.MediaType != m.MediaType,
	}
}

// digestOf returns the digest clients compute for a served manifest. Signed schema 1 manifests are addressed by
// their payload without the signature block.
func digestOf(cm *convertedManifest) digest.Digest {
	if parsed, err := manifest.Parse(cm.MediaType, cm.Bytes); err == nil {
		return parsed.Digest()
	}
	return digest.FromBytes(cm.Bytes)
}

// ensureSharedBlobs provisions the shared blobs a converted manifest references, such as the empty layer of schema 1
// manifests converted from images with empty history entries.
func (s *Service) ensureSharedBlobs(ctx context.Context, m manifest.Manifest) error {
	for _, d := range m.BlobDigests() {
		if manifest.IsSpecialBlob(d) {
			if _, err := s.sharedBlob(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}
