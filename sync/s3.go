package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
)

// deleteBatchSize is the most keys DeleteObjects accepts per request.
const deleteBatchSize = 1000

// s3API is the subset of *s3.Client used by S3Storage.
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Storage treats the keys of one bucket as a directory tree, with "/"
// separating path elements. Entry URIs are object keys; directory keys
// end in "/" and the bucket root is "".
//
// Empty directories are kept as zero-byte marker objects named "dir/".
// A root prefix must hold at least one key; create a marker for a new,
// empty destination.
type S3Storage struct {
	client       s3API
	uploader     uploader
	bucket       string
	storageClass types.StorageClass
}

// NewS3Storage creates an S3Storage for bucket. Uploaded objects use
// storageClass; an empty class leaves the bucket default.
func NewS3Storage(client *s3.Client, bucket string, storageClass types.StorageClass) *S3Storage {
	return &S3Storage{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		storageClass: storageClass,
	}
}

// dirKey normalizes a directory prefix so it is either empty or ends in "/".
func dirKey(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// childName returns the last path element of key relative to its parent
// prefix.
func childName(parent, key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, parent), "/")
}

func (s *S3Storage) Root(ctx context.Context, uri string) (Entry, error) {
	key := strings.Trim(uri, "/")
	if key != "" {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return Entry{}, fmt.Errorf("s3://%s/%s is an object: %w", s.bucket, key, ErrNotDirectory)
		}
		if !isNotFound(err) {
			return Entry{}, err
		}
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			Prefix:  aws.String(dirKey(key)),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return Entry{}, fmt.Errorf("list objects: %w", err)
		}
		if len(out.Contents) == 0 {
			return Entry{}, fmt.Errorf("s3://%s/%s: %w", s.bucket, dirKey(key), fs.ErrNotExist)
		}
	}
	return Entry{Name: path.Base("/" + key), URI: dirKey(key), Kind: Dir}, nil
}

func (s *S3Storage) List(ctx context.Context, dir Entry) ([]Entry, error) {
	if err := checkKind(dir, Dir); err != nil {
		return nil, err
	}
	prefix := dirKey(dir.URI)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, p := range page.CommonPrefixes {
			key := aws.ToString(p.Prefix)
			entries = append(entries, Entry{Name: childName(prefix, key), URI: key, Kind: Dir})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // the directory's own marker
			}
			entries = append(entries, Entry{
				Name:    childName(prefix, key),
				URI:     key,
				Kind:    File,
				Length:  aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func (s *S3Storage) Mkdir(ctx context.Context, parent Entry, name string) (Entry, error) {
	if err := checkKind(parent, Dir); err != nil {
		return Entry{}, err
	}
	key := dirKey(parent.URI) + name + "/"
	if err := s.putEmpty(ctx, key); err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, URI: key, Kind: Dir}, nil
}

func (s *S3Storage) Create(ctx context.Context, parent Entry, name string) (Entry, error) {
	if err := checkKind(parent, Dir); err != nil {
		return Entry{}, err
	}
	key := dirKey(parent.URI) + name
	if err := s.putEmpty(ctx, key); err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, URI: key, Kind: File}, nil
}

func (s *S3Storage) putEmpty(ctx context.Context, key string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(nil),
		StorageClass: s.storageClass,
	})
	return err
}

func (s *S3Storage) Read(ctx context.Context, file Entry) ([]byte, error) {
	if err := checkKind(file, File); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(file.URI),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Storage) Write(ctx context.Context, file Entry, data []byte) error {
	if err := checkKind(file, File); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(file.URI),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimetype.Detect(data).String()),
		StorageClass: s.storageClass,
	})
	return err
}

func (s *S3Storage) Remove(ctx context.Context, e Entry) error {
	if e.Kind == File {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(e.URI),
		})
		return err
	}

	prefix := dirKey(e.URI)
	if prefix == "" {
		return errors.New("refusing to remove the bucket root")
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var batch []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatchSize {
				if err := s.deleteBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		return s.deleteBatch(ctx, batch)
	}
	return nil
}

func (s *S3Storage) deleteBatch(ctx context.Context, objects []types.ObjectIdentifier) error {
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete %s: %s (%d keys failed)",
			aws.ToString(first.Key), aws.ToString(first.Message), len(out.Errors))
	}
	return nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
