package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the filesystem uses.
// *s3.Client satisfies it; tests substitute a fake.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures an S3 filesystem.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3FileSystem maps object keys onto a hierarchical path space.
// Directories are common prefixes; Mkdir writes a "dir/" marker object so empty
// directories survive. Permissions are not modelled.
type S3FileSystem struct {
	ctx    context.Context //nolint:containedctx // FileSystem methods carry no context
	client S3API
	bucket string
}

// NewS3FileSystem builds a client from opts. Static credentials are used when both keys
// are set, the default AWS credential chain otherwise.
func NewS3FileSystem(ctx context.Context, opts S3Options) (*S3FileSystem, error) {
	var loadOpts []func(*config.LoadOptions) error

	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return NewS3FileSystemWithClient(ctx, client, opts.Bucket), nil
}

// NewS3FileSystemWithClient wraps an existing client.
func NewS3FileSystemWithClient(ctx context.Context, client S3API, bucket string) *S3FileSystem {
	return &S3FileSystem{ctx: ctx, client: client, bucket: bucket}
}

// Chmod is not supported on object storage.
func (s *S3FileSystem) Chmod(path string, _ os.FileMode) error {
	return fmt.Errorf("failed to change mode for s3://%s/%s: %w", s.bucket, key(path), ErrUnsupported)
}

// Chtimes is a no-op: object modification times are set by the server.
func (s *S3FileSystem) Chtimes(string, time.Time, time.Time) error {
	return nil
}

// Create returns a writer that spools to a temporary file and uploads on Close.
func (s *S3FileSystem) Create(path string) (File, error) {
	tmp, err := os.CreateTemp("", "transfer-queue-s3-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	return &s3WriteFile{fs: s, key: key(path), tmp: tmp}, nil
}

// Join joins key elements with forward slashes.
func (s *S3FileSystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// Mkdir writes a directory marker object.
func (s *S3FileSystem) Mkdir(path string, _ os.FileMode) error {
	k := key(path)
	if k == "" {
		return nil
	}

	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k + "/"),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create directory s3://%s/%s: %w", s.bucket, k, err)
	}

	return nil
}

// MkdirAll writes a marker for the leaf; parents are implied by the key prefix.
func (s *S3FileSystem) MkdirAll(path string, perm os.FileMode) error {
	return s.Mkdir(path, perm)
}

// Open streams an object.
func (s *S3FileSystem) Open(path string) (File, error) {
	k := key(path)

	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open s3://%s/%s: %w", s.bucket, k, s3NotExist(err))
	}

	info := &s3FileInfo{
		name:    baseName(k),
		size:    aws.ToInt64(out.ContentLength),
		modTime: aws.ToTime(out.LastModified),
	}

	return &s3ReadFile{body: out.Body, info: info}, nil
}

// ReadDir lists one level below path using the "/" delimiter.
func (s *S3FileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	prefix := key(path)
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var infos []os.FileInfo

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory s3://%s/%s: %w", s.bucket, prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			infos = append(infos, &s3FileInfo{name: name, dir: true})
		}

		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				// Our own directory marker
				continue
			}

			infos = append(infos, &s3FileInfo{
				name:    strings.TrimPrefix(k, prefix),
				size:    aws.ToInt64(obj.Size),
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	return infos, nil
}

// Remove deletes an object, or an empty directory's marker.
func (s *S3FileSystem) Remove(path string) error {
	k := key(path)

	info, err := s.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to remove s3://%s/%s: %w", s.bucket, k, err)
	}

	target := k
	if info.IsDir() {
		children, err := s.ReadDir(path)
		if err != nil {
			return err
		}

		if len(children) > 0 {
			return fmt.Errorf("failed to remove s3://%s/%s: directory not empty", s.bucket, k) //nolint:err113 // Mirrors rmdir semantics
		}

		target = k + "/"
	}

	_, err = s.client.DeleteObject(s.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(target),
	})
	if err != nil {
		return fmt.Errorf("failed to remove s3://%s/%s: %w", s.bucket, k, err)
	}

	return nil
}

// Stat resolves path to an object, or to a directory when objects exist beneath it.
func (s *S3FileSystem) Stat(path string) (os.FileInfo, error) {
	k := key(path)
	if k == "" {
		return &s3FileInfo{name: "/", dir: true}, nil
	}

	head, err := s.client.HeadObject(s.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err == nil {
		return &s3FileInfo{
			name:    baseName(k),
			size:    aws.ToInt64(head.ContentLength),
			modTime: aws.ToTime(head.LastModified),
		}, nil
	}

	if !errors.Is(s3NotExist(err), os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", s.bucket, k, err)
	}

	out, err := s.client.ListObjectsV2(s.ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(k + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", s.bucket, k, err)
	}

	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", s.bucket, k, os.ErrNotExist)
	}

	return &s3FileInfo{name: baseName(k), dir: true}, nil
}

func (s *S3FileSystem) upload(k string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, k, err)
	}

	return nil
}

// s3NotExist maps the SDK's not-found errors onto os.ErrNotExist.
func s3NotExist(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey

	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %w", os.ErrNotExist, err)
	}

	// Some S3-compatible servers return an untyped 404
	msg := err.Error()
	if strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") {
		return fmt.Errorf("%w: %w", os.ErrNotExist, err)
	}

	return err
}

func key(p string) string {
	k := strings.TrimPrefix(path.Clean("/"+p), "/")
	if k == "." {
		return ""
	}

	return k
}

func baseName(k string) string {
	return path.Base(k)
}

type s3FileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (fi *s3FileInfo) IsDir() bool        { return fi.dir }
func (fi *s3FileInfo) ModTime() time.Time { return fi.modTime }
func (fi *s3FileInfo) Name() string       { return fi.name }
func (fi *s3FileInfo) Size() int64        { return fi.size }
func (fi *s3FileInfo) Sys() any           { return nil }

func (fi *s3FileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755 //nolint:mnd // Synthesized directory mode
	}

	return 0o644 //nolint:mnd // Synthesized file mode
}

type s3ReadFile struct {
	body io.ReadCloser
	info *s3FileInfo
}

func (f *s3ReadFile) Close() error                { return f.body.Close() }
func (f *s3ReadFile) Read(p []byte) (int, error)  { return f.body.Read(p) } //nolint:wrapcheck // io.Reader contract
func (f *s3ReadFile) Stat() (os.FileInfo, error)  { return f.info, nil }
func (f *s3ReadFile) Write([]byte) (int, error)   { return 0, fs.ErrPermission }

// s3WriteFile spools writes so the upload can declare its content length.
type s3WriteFile struct {
	fs   *S3FileSystem
	key  string
	tmp  *os.File
	size int64

	once sync.Once
	err  error
}

func (f *s3WriteFile) Close() error {
	f.once.Do(func() {
		defer os.Remove(f.tmp.Name())
		defer f.tmp.Close()

		_, err := f.tmp.Seek(0, io.SeekStart)
		if err != nil {
			f.err = fmt.Errorf("failed to rewind spool for %s: %w", f.key, err)
			return
		}

		f.err = f.fs.upload(f.key, f.tmp, f.size)
	})

	return f.err
}

func (f *s3WriteFile) Read([]byte) (int, error) { return 0, fs.ErrPermission }

func (f *s3WriteFile) Stat() (os.FileInfo, error) {
	return &s3FileInfo{name: baseName(f.key), size: f.size, modTime: time.Now()}, nil
}

func (f *s3WriteFile) Write(p []byte) (int, error) {
	n, err := f.tmp.Write(p)
	f.size += int64(n)

	return n, err //nolint:wrapcheck // io.Writer contract
}
