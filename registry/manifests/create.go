package manifests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/tags"
)

// CreateManifestOpts controls GetOrCreate.
type CreateManifestOpts struct {
	// ForTagging skips the temporary tag of a newly created manifest, the caller tags it right away.
	ForTagging bool
	// RaiseOnError returns validation failures as errors. Otherwise they are logged and GetOrCreate returns nil.
	RaiseOnError bool
	// TempTagExpirationSec overrides the configured lifetime of temporary tags.
	TempTagExpirationSec int64
	// Retriever overrides the repository scoped content retriever.
	Retriever manifest.ContentRetriever
}

// CreatedManifest is the result of GetOrCreate.
type CreatedManifest struct {
	Manifest     *models.Manifest
	NewlyCreated bool
	// LabelsToApply holds the labels of a newly created manifest or, for lists, those shared by every child.
	LabelsToApply map[string]string
}

// PutResult is the outcome of a manifest push.
type PutResult struct {
	Manifest *models.Manifest
	// Tag is the tag the manifest was pushed as, nil for pushes by digest without a tag.
	Tag *models.Tag
}

// schema1Manifest is implemented by both schema 1 variants.
type schema1Manifest interface {
	Name() string
	Tag() string
}

// Put stores the manifest body of mediaType in repo. ref is either a tag, which is pointed at the manifest, or the
// digest of the body. A schema 2 or OCI manifest pushed by digest is protected by a temporary tag, as happens when
// the children of a manifest list are pushed.
func (s *Service) Put(ctx context.Context, ac auth.AuthContext, repo *models.Repository, ref, mediaType string, body []byte) (*PutResult, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}

	log := loggerFor(ctx, ac, repo).WithField("reference", ref)

	parsed, err := manifest.Parse(mediaType, body)
	if err != nil {
		var ume manifest.UnsupportedMediaTypeError
		if errors.As(err, &ume) || errors.Is(err, manifest.ErrUnverified) {
			return nil, err
		}
		return nil, InvalidError{Reason: fmt.Sprintf("failed to parse manifest: %v", err)}
	}

	tag := ref
	if dgst, err := digest.Parse(ref); err == nil {
		if parsed.Digest() != dgst {
			return nil, InvalidError{Reason: "manifest digest mismatch"}
		}
		tag = ""
		if s1, ok := parsed.(schema1Manifest); ok {
			tag = s1.Tag()
		}
	}

	if s1, ok := parsed.(schema1Manifest); ok {
		if s1.Name() != repo.Path() {
			return nil, InvalidError{Reason: fmt.Sprintf("manifest name %q does not match repository %q", s1.Name(), repo.Path())}
		}
		if s1.Tag() != tag {
			return nil, InvalidError{Reason: fmt.Sprintf("manifest tag %q does not match %q", s1.Tag(), tag)}
		}
	}

	created, err := s.GetOrCreate(ctx, repo, parsed, CreateManifestOpts{
		ForTagging:   tag != "",
		RaiseOnError: true,
	})
	if err != nil {
		return nil, err
	}
	res := &PutResult{Manifest: created.Manifest}

	if tag != "" {
		var opts tags.RetargetTagOpts
		// an expiration label on the pushed manifest bounds the tag lifetime
		if exp, ok := created.LabelsToApply[ExpiresAfterLabel]; ok {
			if opts.ExpirationSeconds, err = parseExpiresAfter(exp); err != nil {
				log.WithError(err).Warn("ignoring malformed expiration label")
			}
		}
		t, err := s.tags.Retarget(ctx, repo, tag, created.Manifest, opts)
		if err != nil {
			if errors.Is(err, tags.ErrManifestTagMismatch) {
				return nil, InvalidError{Reason: err.Error()}
			}
			return nil, err
		}
		res.Tag = t
	}

	log.WithFields(map[string]interface{}{
		"digest":        created.Manifest.Digest,
		"media_type":    created.Manifest.MediaType,
		"newly_created": created.NewlyCreated,
	}).Info("manifest pushed")

	return res, nil
}

// GetOrCreate returns the manifest m of repo, creating it when it does not exist yet. Every blob m references must
// be pullable from repo and the children of a manifest list are created first. An existing manifest is protected by
// a temporary tag. A newly created one gets a temporary tag unless opts.ForTagging is set. Manifests referring to a
// subject get a hidden tag that never expires instead, so that they live as long as their subject.
func (s *Service) GetOrCreate(ctx context.Context, repo *models.Repository, m manifest.Manifest, opts CreateManifestOpts) (*CreatedManifest, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}
	if opts.TempTagExpirationSec <= 0 {
		opts.TempTagExpirationSec = int64(s.cfg.TempTagExpiration.Seconds())
	}
	if opts.Retriever == nil {
		opts.Retriever = s.Retriever(repo)
	}

	existing, err := s.lookupAndProtect(ctx, repo, m.Digest(), opts.TempTagExpirationSec)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreatedManifest{Manifest: existing}, nil
	}

	created, err := s.create(ctx, repo, m, opts)
	if err != nil {
		if opts.RaiseOnError || !isValidationFailure(err) {
			return nil, err
		}
		repositoryLogger(ctx, repo).WithError(err).WithField("digest", m.Digest()).
			Warn("could not create manifest")
		return nil, nil
	}
	return created, nil
}

func isValidationFailure(err error) bool {
	var (
		ie  InvalidError
		bue BlobUnknownError
	)
	return errors.As(err, &ie) || errors.As(err, &bue) || errors.Is(err, manifest.ErrUnverified)
}

// lookupAndProtect finds manifest dgst of repo, alive or not, and makes sure a tag keeps it around for at least sec
// seconds.
func (s *Service) lookupAndProtect(ctx context.Context, repo *models.Repository, dgst digest.Digest, sec int64) (*models.Manifest, error) {
	var found *models.Manifest
	err := datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		m, err := manifestStoreConstructor(tx).FindByDigest(ctx, repo.ID, dgst)
		if err != nil || m == nil {
			return err
		}
		// unlike a new manifest, an existing one may only be referenced by expired tags and get collected before
		// the caller tags it
		if _, err := s.tags.CreateTemporaryTagIfNecessary(ctx, tx, repo.ID, m.ID, sec); err != nil {
			return err
		}
		found = m
		return nil
	})
	return found, err
}

func validationError(err error) error {
	var ve manifest.ValidationError
	if errors.As(err, &ve) {
		return InvalidError{Reason: ve.Reason}
	}
	return err
}

func (s *Service) create(ctx context.Context, repo *models.Repository, m manifest.Manifest, opts CreateManifestOpts) (*CreatedManifest, error) {
	log := repositoryLogger(ctx, repo).WithField("digest", m.Digest())

	if err := m.Validate(ctx, opts.Retriever); err != nil {
		return nil, validationError(err)
	}

	// children are created first, each in its own transaction
	var (
		children      []*models.Manifest
		childLabels   []map[string]string
		childrenOpts  = CreateManifestOpts{RaiseOnError: true, TempTagExpirationSec: opts.TempTagExpirationSec, Retriever: opts.Retriever}
		childrenRefs  = m.ChildManifests()
		isList        = m.IsManifestList()
		labelsToApply map[string]string
	)
	for _, ref := range childrenRefs {
		payload, err := opts.Retriever.GetManifestBytesWithDigest(ctx, ref.Digest)
		if err != nil {
			if errors.Is(err, ErrManifestUnknown) {
				return nil, InvalidError{Reason: fmt.Sprintf("unknown child manifest %s", ref.Digest)}
			}
			return nil, err
		}
		child, err := manifest.Parse(ref.MediaType, payload)
		if err != nil {
			return nil, InvalidError{Reason: fmt.Sprintf("child manifest %s: %v", ref.Digest, err)}
		}
		if child.Digest() != ref.Digest {
			return nil, InvalidError{Reason: fmt.Sprintf("child manifest %s digest mismatch", ref.Digest)}
		}
		if child.IsManifestList() {
			return nil, InvalidError{Reason: fmt.Sprintf("nested manifest list %s is not supported", ref.Digest)}
		}

		labels, err := child.Labels(ctx, opts.Retriever)
		if err != nil {
			return nil, validationError(err)
		}

		created, err := s.GetOrCreate(ctx, repo, child, childrenOpts)
		if err != nil {
			return nil, err
		}
		children = append(children, created.Manifest)
		childLabels = append(childLabels, labels)
	}

	blobs, err := s.blobMap(ctx, repo, m)
	if err != nil {
		return nil, err
	}
	sizes := make(map[int64]int64, len(blobs))
	for _, b := range blobs {
		sizes[b.ID] = b.ImageSize
	}

	var labels map[string]string
	if !isList {
		if labels, err = m.Labels(ctx, opts.Retriever); err != nil {
			return nil, validationError(err)
		}
		labelsToApply = labels
	} else if len(childLabels) > 0 {
		labelsToApply = intersectLabels(childLabels)
	}

	row := &models.Manifest{
		RepositoryID: repo.ID,
		Digest:       m.Digest(),
		MediaType:    m.MediaType(),
		Bytes:        m.Bytes(),
	}
	if mt := m.ConfigMediaType(); mt != "" {
		row.ConfigMediaType = sql.NullString{String: mt, Valid: true}
	}
	if size, ok := m.LayersCompressedSize(); ok {
		row.LayersCompressedSize = sql.NullInt64{Int64: size, Valid: true}
	}
	if subject := m.Subject(); subject != nil {
		row.SubjectDigest = sql.NullString{String: subject.Digest.String(), Valid: true}
	}
	if at := m.ArtifactType(); at != "" {
		row.ArtifactType = sql.NullString{String: at, Valid: true}
	}

	var newlyCreated bool
	err = datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		if s.quota != nil {
			if err := s.quota.CheckManifestAllowed(ctx, tx, repo, sizes); err != nil {
				return err
			}
		}

		ms := manifestStoreConstructor(tx)
		created, err := ms.CreateOrFind(ctx, row)
		if err != nil {
			return err
		}
		if !created {
			// a concurrent push won
			return nil
		}
		newlyCreated = true

		ids := make([]int64, 0, len(blobs))
		for _, b := range blobs {
			ids = append(ids, b.ID)
		}
		if err := ms.AssociateBlobs(ctx, repo.ID, row.ID, ids...); err != nil {
			return err
		}
		if s.quota != nil {
			if err := s.quota.UpdateQuota(ctx, tx, repo, row.ID, sizes, quota.Add); err != nil {
				return err
			}
		}
		for _, c := range children {
			if err := ms.AssociateChild(ctx, repo.ID, row.ID, c.ID); err != nil {
				return err
			}
		}

		ls := labelStoreConstructor(tx)
		for k, v := range labels {
			if k == "" {
				continue
			}
			l := &models.Label{Key: k, Value: v, SourceType: models.LabelSourceManifest, MediaType: labelMediaType(v)}
			if err := ls.CreateOrFind(ctx, l); err != nil {
				return err
			}
			if err := ms.AssociateLabel(ctx, repo.ID, row.ID, l.ID); err != nil {
				return err
			}
		}

		if !opts.ForTagging {
			sec := opts.TempTagExpirationSec
			if m.Subject() != nil {
				sec = 0
			}
			if _, err := s.tags.CreateTemporaryTagIfNecessary(ctx, tx, repo.ID, row.ID, sec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !newlyCreated {
		log.Debug("manifest created concurrently")
		return &CreatedManifest{Manifest: row}, nil
	}

	log.WithFields(map[string]interface{}{
		"media_type": row.MediaType,
		"blobs":      len(blobs),
		"children":   len(children),
	}).Info("manifest created")

	return &CreatedManifest{Manifest: row, NewlyCreated: true, LabelsToApply: labelsToApply}, nil
}

// blobMap resolves the local blobs of m within repo. The shared empty layer is provisioned when referenced.
func (s *Service) blobMap(ctx context.Context, repo *models.Repository, m manifest.Manifest) (map[digest.Digest]*models.ImageStorage, error) {
	digests := m.LocalBlobDigests()
	blobs := make(map[digest.Digest]*models.ImageStorage, len(digests))
	bs := blobStoreConstructor(s.db)
	now := s.clock.Now()

	for _, d := range digests {
		if _, ok := blobs[d]; ok {
			continue
		}
		if manifest.IsSpecialBlob(d) {
			b, err := s.sharedBlob(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("provisioning shared blob: %w", err)
			}
			blobs[d] = b
			continue
		}

		b, err := bs.FindInRepository(ctx, repo.ID, d, now)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, BlobUnknownError{Digest: d}
		}
		blobs[d] = b
	}

	return blobs, nil
}

func intersectLabels(all []map[string]string) map[string]string {
	out := make(map[string]string, len(all[0]))
	for k, v := range all[0] {
		out[k] = v
	}
	for _, labels := range all[1:] {
		for k, v := range out {
			if lv, ok := labels[k]; !ok || lv != v {
				delete(out, k)
			}
		}
	}
	return out
}
