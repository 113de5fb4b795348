package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/prism-search/prism/model"
)

// cloudImageExtensions filters object keys during cloud discovery. Videos
// are not expanded from cloud stores.
var cloudImageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".bmp":  {},
	".tiff": {},
}

// S3Options contains configuration options for the S3 source.
type S3Options struct {
	// FetchRate throttles object downloads per second. Zero disables
	// throttling.
	FetchRate float64
	Logger    *slog.Logger
}

// DefaultS3Options contains the default configuration options for the S3
// source.
var DefaultS3Options = S3Options{
	FetchRate: 50,
}

// S3 discovers and fetches objects from s3:// URIs. Availability is gated
// by the "s3" entitlement; credentials come from the entitlement provider
// or fall back to the ambient AWS configuration chain.
type S3 struct {
	ent    model.Entitlements
	opts   S3Options
	logger *slog.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	client *s3.Client
}

// NewS3 creates an S3 source. The client is built lazily on first use so
// construction never touches the network.
func NewS3(ent model.Entitlements, optFns ...func(o *S3Options)) *S3 {
	opts := DefaultS3Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &S3{ent: ent, opts: opts, logger: opts.Logger}
	if opts.FetchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.FetchRate), 1)
	}
	return s
}

// Name implements Source.
func (s *S3) Name() string { return "s3" }

// CanHandle implements Source.
func (s *S3) CanHandle(p string) bool {
	return strings.HasPrefix(p, "s3://") && s.ent.IsAllowed("s3")
}

func (s *S3) getClient(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if creds, ok := s.ent.CredentialsFor("s3"); ok {
		if region := creds["region"]; region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		if ak, sk := creds["access_key"], creds["secret_key"]; ak != "" && sk != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(ak, sk, creds["session_token"])))
		}
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrSourceUnavailable, err)
	}
	s.client = s3.NewFromConfig(cfg)
	return s.client, nil
}

// Discover implements Source. It lists objects under the bucket/prefix of
// the root URI, yielding full s3:// URIs for image objects.
func (s *S3) Discover(ctx context.Context, root string, maxFiles int) iter.Seq2[model.IngestionInput, error] {
	return func(yield func(model.IngestionInput, error) bool) {
		bucket, prefix, err := parseObjectURI(root, "s3")
		if err != nil {
			yield(model.IngestionInput{}, err)
			return
		}
		client, err := s.getClient(ctx)
		if err != nil {
			yield(model.IngestionInput{}, err)
			return
		}

		count := 0
		paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(model.IngestionInput{}, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err))
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if !isCloudImage(key) {
					continue
				}
				if maxFiles > 0 && count >= maxFiles {
					return
				}
				count++
				if !yield(model.IngestionInput{Path: "s3://" + bucket + "/" + key}, nil) {
					return
				}
			}
		}
	}
}

// Fetch implements Fetcher. Downloads are throttled and buffered in memory;
// frame images are small.
func (s *S3) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseObjectURI(uri, "s3")
	if err != nil {
		return nil, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("download %q: %w", uri, err)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// parseObjectURI splits scheme://bucket/key into bucket and key.
func parseObjectURI(uri, scheme string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != scheme || u.Host == "" {
		return "", "", fmt.Errorf("invalid %s uri %q", scheme, uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func isCloudImage(key string) bool {
	_, ok := cloudImageExtensions[strings.ToLower(path.Ext(key))]
	return ok
}
