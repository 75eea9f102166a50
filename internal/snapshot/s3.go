// Package snapshot persists the servable pattern pool to object
// storage so a joining peer can bootstrap from the latest export
// instead of waiting out its first gossip rounds.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mnemon-ai/mnemon/internal/util"
	"github.com/mnemon-ai/mnemon/pkg/common"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	defaultPrefix = "snapshots"
	latestKey     = "latest.json.gz"
	stampLayout   = "20060102T150405Z"
)

// ErrNoSnapshot means the bucket holds no export yet. First node in a
// mesh, or a wiped bucket.
var ErrNoSnapshot = errors.New("no snapshot available")

// Archive is one pool export: the servable patterns of a node at a
// point in time.
type Archive struct {
	NodeID    string                     `json:"node_id"`
	CreatedAt time.Time                  `json:"created_at"`
	Patterns  []common.FederationPattern `json:"patterns"`
}

// NewClient builds an S3 client from the environment: AWS_REGION,
// AWS_ENDPOINT, AWS_ACCESS_KEY and AWS_SECRET_KEY. Path-style access
// keeps MinIO-style endpoints working.
func NewClient(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Store reads and writes pool archives in one bucket. Every upload
// lands under a timestamped key and overwrites the latest marker, so
// readers never scan the bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

type NewStoreParams struct {
	Client *s3.Client
	Bucket string
	// Prefix namespaces the archive keys. Defaults to "snapshots".
	Prefix string
}

func NewStore(params NewStoreParams) (*Store, error) {
	if params.Client == nil {
		return nil, errors.New("snapshot store requires an S3 client")
	}
	if params.Bucket == "" {
		return nil, errors.New("snapshot store requires a bucket")
	}
	prefix := params.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: params.Client, bucket: params.Bucket, prefix: prefix}, nil
}

// Upload persists one archive and returns its timestamped key.
func (s *Store) Upload(ctx context.Context, archive Archive) (string, error) {
	body, err := encodeArchive(archive)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%s-%s.json.gz", s.prefix, archive.CreatedAt.UTC().Format(stampLayout), archive.NodeID)
	for _, target := range []string{key, s.prefix + "/" + latestKey} {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(target),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/gzip"),
		})
		if err != nil {
			return "", fmt.Errorf("failed to upload snapshot %s: %w", target, err)
		}
	}
	return key, nil
}

// Latest fetches the most recent archive, or ErrNoSnapshot when the
// bucket has none.
func (s *Store) Latest(ctx context.Context) (Archive, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + "/" + latestKey),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return Archive{}, ErrNoSnapshot
		}
		return Archive{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer out.Body.Close()

	return decodeArchive(out.Body)
}

func encodeArchive(archive Archive) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(archive); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeArchive(r io.Reader) (Archive, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Archive{}, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer zr.Close()

	var archive Archive
	if err := json.NewDecoder(zr).Decode(&archive); err != nil {
		return Archive{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return archive, nil
}
