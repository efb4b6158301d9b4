package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/welldanyogia/tempmail-mta/internal/config"
)

// ObjectAPI is the subset of the S3 client used by S3Store
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps messages in an S3/MinIO bucket under <identity>/<category>/<filename>.
// Flags are stored as object metadata.
type S3Store struct {
	client        ObjectAPI
	presignClient *s3.PresignClient
	bucket        string
	presignExpiry time.Duration
	now           func() time.Time
}

// NewS3Store creates a store backed by the configured S3 endpoint
func NewS3Store(cfg *config.StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: S3 bucket is required")
	}

	// endpoint may already carry a scheme
	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpointURL = scheme + "://" + endpointURL
	}

	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true, // MinIO
	})

	expiry := cfg.PresignedURLExpiry
	if expiry == 0 {
		expiry = 15 * time.Minute
	}

	s := NewS3StoreWithClient(client, cfg.Bucket)
	s.presignClient = s3.NewPresignClient(client)
	s.presignExpiry = expiry
	return s, nil
}

// NewS3StoreWithClient creates a store on an existing client
func NewS3StoreWithClient(client ObjectAPI, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket, now: time.Now}
}

// Key returns the object key of a stored message
func Key(identity, category, filename string) string {
	return identity + "/" + category + "/" + filename
}

// Save uploads raw and returns the new filename
func (s *S3Store) Save(ctx context.Context, identity string, raw []byte, category string) (string, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	if err := checkCategory(category); err != nil {
		return "", err
	}

	name := NewFilename(s.now())
	flags := DefaultFlags()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(Key(id, category, name)),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String("message/rfc822"),
		Metadata: map[string]string{
			"seen":    strconv.FormatBool(flags.Seen),
			"flagged": strconv.FormatBool(flags.Flagged),
			"deleted": strconv.FormatBool(flags.Deleted),
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", name, err)
	}
	return name, nil
}

// Load downloads a stored message
func (s *S3Store) Load(ctx context.Context, identity, category, filename string) ([]byte, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(id, category, filename)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return nil, fmt.Errorf("storage: get %s: %w", filename, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", filename, err)
	}
	return data, nil
}

// Delete removes a stored message
func (s *S3Store) Delete(ctx context.Context, identity, category, filename string) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(id, category, filename)),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", filename, err)
	}
	return nil
}

// PresignedURL returns a time-limited download URL for a stored message
func (s *S3Store) PresignedURL(ctx context.Context, identity, category, filename string) (string, error) {
	if s.presignClient == nil {
		return "", errors.New("storage: presigning not configured")
	}
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(id, category, filename)),
	}, s3.WithPresignExpires(s.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", filename, err)
	}
	return req.URL, nil
}

type expiredObject struct {
	key  string
	size int64
}

// Expire deletes, in bulk batches, every message whose filename timestamp is
// before cutoff
func (s *S3Store) Expire(ctx context.Context, cutoff time.Time, batchSize int) (*ExpireResult, error) {
	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 1000 // DeleteObjects limit
	}
	res := &ExpireResult{Started: s.now()}
	defer func() { res.Finished = s.now() }()

	var batch []expiredObject
	flush := func() {
		if len(batch) > 0 {
			s.deleteBatch(ctx, batch, res)
			batch = batch[:0]
		}
	}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			flush()
			return res, fmt.Errorf("storage: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			if !ValidFilename(name) {
				continue
			}
			res.Scanned++
			at, err := FilenameTime(name)
			if err != nil || !at.Before(cutoff) {
				continue
			}
			res.Expired++
			batch = append(batch, expiredObject{key: key, size: aws.ToInt64(obj.Size)})
			if len(batch) >= batchSize {
				flush()
			}
		}
	}
	flush()
	return res, nil
}

func (s *S3Store) deleteBatch(ctx context.Context, batch []expiredObject, res *ExpireResult) {
	ids := make([]types.ObjectIdentifier, len(batch))
	for i, o := range batch {
		ids[i] = types.ObjectIdentifier{Key: aws.String(o.key)}
	}
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(false)},
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("delete batch of %d: %v", len(batch), err))
		return
	}

	deleted := make(map[string]bool, len(out.Deleted))
	for _, d := range out.Deleted {
		deleted[aws.ToString(d.Key)] = true
	}
	for _, o := range batch {
		if deleted[o.key] {
			res.Deleted++
			res.BytesFreed += o.size
		}
	}
	for _, e := range out.Errors {
		res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
	}
}
