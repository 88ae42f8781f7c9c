package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// StorageType defines the flavour of S3-compatible storage.
type StorageType string

const (
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
)

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	Type      StorageType
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	Prefix    string // key prefix shared by all jobs
	// SpoolDir holds temporary copies for uploads and range serving.
	SpoolDir string
}

// S3Store keeps artifacts as objects under <prefix>/<jobID>/<relPath>.
type S3Store struct {
	client    *s3.Client
	bucket    string
	prefix    string
	spoolDir  string
	storeType StorageType
}

// NewS3Store creates a new S3-compatible artifact store.
func NewS3Store(cfg *S3Config) (*S3Store, error) {
	if cfg.Type == "" {
		cfg.Type = detectStorageType(cfg.Endpoint)
	}
	endpoint := normalizeEndpoint(cfg.Endpoint)

	region := cfg.Region
	if region == "" {
		if cfg.Type == StorageTypeR2 {
			region = "auto"
		} else {
			region = "us-east-1"
		}
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpointURL)
		o.UsePathStyle = true
	})

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		spoolDir:  cfg.SpoolDir,
		storeType: cfg.Type,
	}, nil
}

// detectStorageType guesses the storage flavour from the endpoint host.
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}

// normalizeEndpoint strips scheme, path and trailing slashes from an endpoint.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return strings.TrimSuffix(endpoint, "/")
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	// R2 buckets can only be created from the dashboard.
	if s.storeType == StorageTypeR2 {
		return fmt.Errorf("bucket %s does not exist, please create it in R2 dashboard", s.bucket)
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *S3Store) jobPrefix(jobID string) string {
	if s.prefix == "" {
		return jobID + "/"
	}
	return s.prefix + "/" + jobID + "/"
}

func (s *S3Store) key(jobID, relPath string) (string, error) {
	if err := validJobID(jobID); err != nil {
		return "", err
	}
	cleaned, err := CleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	return s.jobPrefix(jobID) + cleaned, nil
}

// Write spools r to a temporary file so the upload has a known length.
func (s *S3Store) Write(ctx context.Context, jobID, relPath string, r io.Reader) (int64, error) {
	key, err := s.key(jobID, relPath)
	if err != nil {
		return 0, err
	}
	spool, err := os.CreateTemp(s.spoolDir, "spool-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	n, err := io.Copy(spool, contextReader{ctx: ctx, r: r})
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return n, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return n, fmt.Errorf("failed to upload object: %w", err)
	}
	return n, nil
}

func (s *S3Store) Read(ctx context.Context, jobID, relPath string) ([]byte, error) {
	body, _, err := s.get(ctx, jobID, relPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *S3Store) get(ctx context.Context, jobID, relPath string) (io.ReadCloser, time.Time, error) {
	key, err := s.key(jobID, relPath)
	if err != nil {
		return nil, time.Time{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, time.Time{}, ErrNotExist
		}
		return nil, time.Time{}, fmt.Errorf("failed to download object: %w", err)
	}
	return out.Body, aws.ToTime(out.LastModified), nil
}

// Open downloads the object into a temporary file that is removed on Close.
func (s *S3Store) Open(ctx context.Context, jobID, relPath string) (Object, error) {
	p, modTime, err := s.download(ctx, jobID, relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		os.Remove(p)
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(p)
		return nil, err
	}
	return &spooledObject{fileObject: fileObject{File: f, info: info}, modTime: modTime}, nil
}

func (s *S3Store) LocalPath(ctx context.Context, jobID, relPath string) (string, func(), error) {
	p, _, err := s.download(ctx, jobID, relPath)
	if err != nil {
		return "", nil, err
	}
	return p, func() { os.Remove(p) }, nil
}

func (s *S3Store) download(ctx context.Context, jobID, relPath string) (string, time.Time, error) {
	body, modTime, err := s.get(ctx, jobID, relPath)
	if err != nil {
		return "", time.Time{}, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(s.spoolDir, "artifact-*"+path.Ext(relPath))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", time.Time{}, fmt.Errorf("failed to download %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", time.Time{}, err
	}
	return tmp.Name(), modTime, nil
}

func (s *S3Store) List(ctx context.Context, jobID, area string) ([]FileInfo, error) {
	prefix, err := s.key(jobID, area)
	if err != nil {
		return nil, err
	}
	prefix += "/"

	var files []FileInfo
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", area, err)
		}
		for _, obj := range page.Contents {
			files = append(files, FileInfo{
				Name: strings.TrimPrefix(aws.ToString(obj.Key), prefix),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *S3Store) Remove(ctx context.Context, jobID, relPath string) error {
	key, err := s.key(jobID, relPath)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Rename copies the object to its new key and deletes the old one. S3 has
// no atomic move, so a reader may briefly see both keys.
func (s *S3Store) Rename(ctx context.Context, jobID, from, to string) error {
	src, err := s.key(jobID, from)
	if err != nil {
		return err
	}
	dst, err := s.key(jobID, to)
	if err != nil {
		return err
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return s.Remove(ctx, jobID, from)
}

func (s *S3Store) DeleteArea(ctx context.Context, jobID, area string) (int64, error) {
	files, err := s.List(ctx, jobID, area)
	if err != nil {
		return 0, err
	}
	prefix, _ := s.key(jobID, area)
	var freed int64
	keys := make([]string, 0, len(files))
	for _, f := range files {
		freed += f.Size
		keys = append(keys, prefix+"/"+f.Name)
	}
	if err := s.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	return freed, nil
}

func (s *S3Store) Delete(ctx context.Context, jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	prefix := s.jobPrefix(jobID)
	var keys []string
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list job %s: %w", jobID, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return s.deleteKeys(ctx, keys)
}

// deleteKeys removes objects in batches of the API maximum.
func (s *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	const batch = 1000
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

type spooledObject struct {
	fileObject
	modTime time.Time
}

func (o *spooledObject) ModTime() time.Time { return o.modTime }

func (o *spooledObject) Close() error {
	err := o.File.Close()
	os.Remove(o.File.Name())
	return err
}
