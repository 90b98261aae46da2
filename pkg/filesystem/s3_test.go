package filesystem_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	. "github.com/onsi/gomega"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

func TestS3FileSystem_CreateUploadsOnClose(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	api := newFakeS3()
	fs := filesystem.NewS3FileSystemWithClient(context.Background(), api, "bucket")

	file, err := fs.Create("/dir/file.txt")
	g.Expect(err).ShouldNot(HaveOccurred())

	_, err = file.Write([]byte("hello "))
	g.Expect(err).ShouldNot(HaveOccurred())
	_, err = file.Write([]byte("world"))
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(api.object("dir/file.txt")).Should(BeNil())

	g.Expect(file.Close()).Should(Succeed())
	g.Expect(file.Close()).Should(Succeed())
	g.Expect(string(api.object("dir/file.txt"))).Should(Equal("hello world"))

	reader, err := fs.Open("dir/file.txt")
	g.Expect(err).ShouldNot(HaveOccurred())

	data, err := io.ReadAll(reader)
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(string(data)).Should(Equal("hello world"))
	g.Expect(reader.Close()).Should(Succeed())
}

func TestS3FileSystem_StatResolvesPrefixesAsDirectories(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	api := newFakeS3()
	api.put("photos/2024/a.jpg", []byte("jpeg"))

	fs := filesystem.NewS3FileSystemWithClient(context.Background(), api, "bucket")

	info, err := fs.Stat("/photos")
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(info.IsDir()).Should(BeTrue())

	info, err = fs.Stat("/photos/2024/a.jpg")
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(info.IsDir()).Should(BeFalse())
	g.Expect(info.Size()).Should(Equal(int64(4)))

	_, err = fs.Stat("/videos")
	g.Expect(err).Should(MatchError(os.ErrNotExist))
}

func TestS3FileSystem_ReadDirListsOneLevel(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	api := newFakeS3()
	api.put("root/", nil)
	api.put("root/b.txt", []byte("b"))
	api.put("root/a.txt", []byte("a"))
	api.put("root/sub/c.txt", []byte("c"))

	fs := filesystem.NewS3FileSystemWithClient(context.Background(), api, "bucket")

	infos, err := fs.ReadDir("/root")
	g.Expect(err).ShouldNot(HaveOccurred())

	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}

	g.Expect(names).Should(Equal([]string{"a.txt", "b.txt", "sub"}))
	g.Expect(infos[2].IsDir()).Should(BeTrue())
}

func TestS3FileSystem_MkdirAndRemove(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	api := newFakeS3()
	fs := filesystem.NewS3FileSystemWithClient(context.Background(), api, "bucket")

	g.Expect(fs.Mkdir("/empty", 0o755)).Should(Succeed())
	g.Expect(api.object("empty/")).ShouldNot(BeNil())

	api.put("full/x", []byte("x"))
	g.Expect(fs.Remove("/full")).ShouldNot(Succeed())

	g.Expect(fs.Remove("/empty")).Should(Succeed())
	g.Expect(api.has("empty/")).Should(BeFalse())

	g.Expect(fs.Remove("/full/x")).Should(Succeed())
	g.Expect(api.has("full/x")).Should(BeFalse())
}

func TestS3FileSystem_ChmodUnsupported(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	fs := filesystem.NewS3FileSystemWithClient(context.Background(), newFakeS3(), "bucket")

	g.Expect(fs.Chmod("/a", 0o600)).Should(MatchError(filesystem.ErrUnsupported))
	g.Expect(fs.Chtimes("/a", time.Now(), time.Now())).Should(Succeed())
}

// fakeS3 is an in-memory S3API with just enough ListObjectsV2 semantics for one-level listings.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data == nil {
		data = []byte{}
	}
	f.objects[key] = data
}

func (f *fakeS3) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.objects[key]
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.objects[key]
	return ok
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data := f.object(aws.ToString(in.Key))
	if data == nil {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: aws.Time(time.Now())}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data := f.object(aws.ToString(in.Key))
	if data == nil {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(data))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, errors.New("content length mismatch")
	}

	f.put(aws.ToString(in.Key), data)

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(in.Key))

	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}

	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}

				continue
			}
		}

		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}

	if in.MaxKeys != nil && int32(len(out.Contents)) > *in.MaxKeys {
		out.Contents = out.Contents[:*in.MaxKeys]
	}

	return out, nil
}
