package source

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/prism-search/prism/model"
)

// MinIOOptions contains configuration options for the MinIO source.
type MinIOOptions struct {
	Logger *slog.Logger
}

// DefaultMinIOOptions contains the default configuration options for the
// MinIO source.
var DefaultMinIOOptions = MinIOOptions{}

// MinIO discovers and fetches objects from minio:// URIs against a
// self-hosted MinIO (or other S3-compatible) endpoint. Availability is
// gated by the "minio" entitlement; endpoint and credentials come from the
// entitlement provider.
type MinIO struct {
	ent    model.Entitlements
	logger *slog.Logger

	mu     sync.Mutex
	client *minio.Client
}

// NewMinIO creates a MinIO source. The client is built lazily on first use.
func NewMinIO(ent model.Entitlements, optFns ...func(o *MinIOOptions)) *MinIO {
	opts := DefaultMinIOOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &MinIO{ent: ent, logger: opts.Logger}
}

// Name implements Source.
func (m *MinIO) Name() string { return "minio" }

// CanHandle implements Source.
func (m *MinIO) CanHandle(p string) bool {
	return strings.HasPrefix(p, "minio://") && m.ent.IsAllowed("minio")
}

func (m *MinIO) getClient() (*minio.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	creds, ok := m.ent.CredentialsFor("minio")
	if !ok || creds["endpoint"] == "" {
		return nil, fmt.Errorf("%w: minio endpoint not configured", ErrSourceUnavailable)
	}
	useSSL, _ := strconv.ParseBool(creds["use_ssl"])
	client, err := minio.New(creds["endpoint"], &minio.Options{
		Creds:  miniocreds.NewStaticV4(creds["access_key"], creds["secret_key"], ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio client: %w", ErrSourceUnavailable, err)
	}
	m.client = client
	return client, nil
}

// Discover implements Source. It lists objects under the bucket/prefix of
// the root URI, yielding full minio:// URIs for image objects.
func (m *MinIO) Discover(ctx context.Context, root string, maxFiles int) iter.Seq2[model.IngestionInput, error] {
	return func(yield func(model.IngestionInput, error) bool) {
		bucket, prefix, err := parseObjectURI(root, "minio")
		if err != nil {
			yield(model.IngestionInput{}, err)
			return
		}
		client, err := m.getClient()
		if err != nil {
			yield(model.IngestionInput{}, err)
			return
		}

		count := 0
		for obj := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				yield(model.IngestionInput{}, fmt.Errorf("list minio://%s/%s: %w", bucket, prefix, obj.Err))
				return
			}
			if !isCloudImage(obj.Key) {
				continue
			}
			if maxFiles > 0 && count >= maxFiles {
				return
			}
			count++
			if !yield(model.IngestionInput{Path: "minio://" + bucket + "/" + obj.Key}, nil) {
				return
			}
		}
	}
}

// Fetch implements Fetcher.
func (m *MinIO) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseObjectURI(uri, "minio")
	if err != nil {
		return nil, err
	}
	client, err := m.getClient()
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", uri, err)
	}
	return obj, nil
}
