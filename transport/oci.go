package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// OCI media types for archives stored in a registry.
const (
	// ArtifactType is the manifest artifact type of a pushed archive.
	ArtifactType = "application/vnd.wpress.artifact.v1"

	// MediaTypeArchive is the layer media type of an uncompressed archive.
	MediaTypeArchive = "application/vnd.wpress.archive.v1"

	// MediaTypeArchiveZstd is the layer media type of a zstd framed archive.
	MediaTypeArchiveZstd = "application/vnd.wpress.archive.v1+zstd"
)

// ErrNoArchiveLayer is returned when a manifest carries no archive layer.
var ErrNoArchiveLayer = errors.New("transport: manifest has no archive layer")

const userAgent = "wpress"

// resolveOCI returns the target for ref: the one set with WithOCITarget, or a
// remote repository authenticated from the Docker credential store.
func (c *config) resolveOCI(ref registry.Reference) (oras.Target, error) {
	if c.ociTarget != nil {
		return c.ociTarget, nil
	}

	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("parse repository %s/%s: %w", ref.Registry, ref.Repository, err)
	}
	repo.PlainHTTP = c.ociPlainHTTP

	var credential auth.CredentialFunc
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		c.logger.Debug("docker credential store unavailable, using anonymous access", "error", err)
	} else {
		credential = credentials.Credential(store)
	}
	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: credential,
		Header: http.Header{
			"User-Agent": []string{userAgent},
		},
	}
	return repo, nil
}

// ociGet resolves the tag or digest of ref to a manifest and returns a reader
// over its archive layer. The layer digest is verified when the reader
// reaches the end of the blob.
func ociGet(ctx context.Context, target oras.ReadOnlyTarget, ref registry.Reference) (io.ReadCloser, error) {
	_, manifestJSON, err := oras.FetchBytes(ctx, target, ref.Reference, oras.DefaultFetchBytesOptions)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", ref, err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", ref, err)
	}
	layer, err := archiveLayer(&manifest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}

	rc, err := target.Fetch(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("fetch layer %s: %w", layer.Digest, err)
	}
	return &ociBlobReader{vr: content.NewVerifyReader(rc, layer), rc: rc}, nil
}

func archiveLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeArchive || layer.MediaType == MediaTypeArchiveZstd {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, ErrNoArchiveLayer
}

// ociBlobReader checks the blob digest once the layer has been read fully.
type ociBlobReader struct {
	vr *content.VerifyReader
	rc io.Closer
}

func (r *ociBlobReader) Read(p []byte) (int, error) {
	n, err := r.vr.Read(p)
	if errors.Is(err, io.EOF) {
		if verr := r.vr.Verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *ociBlobReader) Close() error {
	return r.rc.Close()
}

// ociWriter stages the archive in a temporary file while digesting it. Close
// pushes the file as the only layer of a new manifest and tags it.
type ociWriter struct {
	ctx       context.Context //nolint:containedctx // io.WriteCloser carries no context
	target    oras.Target
	ref       registry.Reference
	mediaType string
	logger    *slog.Logger

	file     *os.File
	digester digest.Digester
	size     int64
}

func newOCIWriter(ctx context.Context, target oras.Target, ref registry.Reference, compressed bool, logger *slog.Logger) (*ociWriter, error) {
	if ref.Reference == "" {
		return nil, fmt.Errorf("transport: oci location %s needs a tag", ref)
	}
	if _, err := ref.Digest(); err == nil {
		return nil, fmt.Errorf("transport: oci location %s must name a tag, not a digest", ref)
	}
	f, err := os.CreateTemp("", "wpress-oci-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	mediaType := MediaTypeArchive
	if compressed {
		mediaType = MediaTypeArchiveZstd
	}
	return &ociWriter{
		ctx:       ctx,
		target:    target,
		ref:       ref,
		mediaType: mediaType,
		logger:    logger,
		file:      f,
		digester:  digest.Canonical.Digester(),
	}, nil
}

func (w *ociWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		_, _ = w.digester.Hash().Write(p[:n]) //nolint:errcheck // hash writes never fail
		w.size += int64(n)
	}
	return n, err
}

// Close pushes the staged archive and tags the manifest.
func (w *ociWriter) Close() error {
	defer w.cleanup()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind staging file: %w", err)
	}
	layer := ocispec.Descriptor{
		MediaType: w.mediaType,
		Digest:    w.digester.Digest(),
		Size:      w.size,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: path.Base(w.ref.Repository) + ".wpress",
		},
	}
	if err := w.target.Push(w.ctx, layer, w.file); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push layer %s: %w", layer.Digest, err)
	}

	manifest, err := oras.PackManifest(w.ctx, w.target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
	})
	if err != nil {
		return fmt.Errorf("push manifest: %w", err)
	}
	if err := w.target.Tag(w.ctx, manifest, w.ref.Reference); err != nil {
		return fmt.Errorf("tag %s: %w", w.ref, err)
	}
	w.logger.Debug("pushed archive",
		"reference", w.ref.String(),
		"layer", layer.Digest.String(),
		"manifest", manifest.Digest.String(),
		"size", w.size,
	)
	return nil
}

// Abort drops the staged archive without pushing anything.
func (w *ociWriter) Abort(error) error {
	w.cleanup()
	return nil
}

func (w *ociWriter) cleanup() {
	_ = w.file.Close()           //nolint:errcheck // best-effort cleanup
	_ = os.Remove(w.file.Name()) //nolint:errcheck // best-effort cleanup
}
