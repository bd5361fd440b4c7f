package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the S3 API used by S3Store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store implements Store using an S3-compatible backend.
// Objects are stored under {prefix}/{key}.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Store creates a new S3Store.
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3Store) uri(objectKey string) string {
	return "s3://" + s.bucket + "/" + objectKey
}

// Put uploads an object to S3. The reader content is buffered to compute
// the SHA256 checksum before upload, since the checksum is stored as
// object metadata.
func (s *S3Store) Put(ctx context.Context, key string, reader io.Reader) (Reference, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to read artifact data: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(data))
	objectKey := s.objectKey(key)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"checksum": checksum,
			"size":     strconv.FormatInt(size, 10),
		},
	})
	if err != nil {
		return Reference{}, fmt.Errorf("failed to put artifact to S3: %w", err)
	}

	return Reference{Key: key, URI: s.uri(objectKey), Size: size, Checksum: checksum}, nil
}

// Stat reads the object's metadata with HeadObject.
func (s *S3Store) Stat(ctx context.Context, key string) (Reference, error) {
	objectKey := s.objectKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return Reference{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Reference{}, fmt.Errorf("failed to head artifact %q: %w", key, err)
	}

	ref := Reference{Key: key, URI: s.uri(objectKey), Checksum: head.Metadata["checksum"]}
	if head.ContentLength != nil {
		ref.Size = *head.ContentLength
	}
	return ref, nil
}

// Get retrieves an object from S3.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get artifact from S3: %w", err)
	}
	return result.Body, nil
}
