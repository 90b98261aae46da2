package walker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/joe/transfer-queue/pkg/filesystem"
	"github.com/joe/transfer-queue/pkg/walker"
)

// recorder flattens a traversal into "kind:path" strings.
type recorder struct {
	events []string
	onPre  func(path string) walker.Action
	onFile func(path string) walker.Action
}

func (r *recorder) visitor() walker.VisitorFuncs {
	return walker.VisitorFuncs{
		PreVisitDirectoryFunc: func(path string, _ os.FileInfo) walker.Action {
			r.events = append(r.events, "pre:"+path)
			if r.onPre != nil {
				return r.onPre(path)
			}
			return walker.Continue
		},
		VisitFileFunc: func(path string, _ os.FileInfo) walker.Action {
			r.events = append(r.events, "file:"+path)
			if r.onFile != nil {
				return r.onFile(path)
			}
			return walker.Continue
		},
		PostVisitDirectoryFunc: func(path string, err error) walker.Action {
			if err != nil {
				r.events = append(r.events, "post-err:"+path)
			} else {
				r.events = append(r.events, "post:"+path)
			}
			return walker.Continue
		},
		VisitFileFailedFunc: func(path string, _ error) walker.Action {
			r.events = append(r.events, "fail:"+path)
			return walker.Continue
		},
	}
}

func mockTree() *filesystem.MockFileSystem {
	fs := filesystem.NewMockFileSystem()
	now := time.Now()
	fs.AddFile("/src/b.txt", []byte("b"), now)
	fs.AddFile("/src/a/x.txt", []byte("x"), now)
	fs.AddFile("/src/a/y.txt", []byte("y"), now)
	fs.AddDir("/src/c", now)

	return fs
}

func TestWalk_ListingOrder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	rec := &recorder{}
	err := walker.Walk(context.Background(), mockTree(), "/src", rec.visitor())
	g.Expect(err).ShouldNot(HaveOccurred())

	g.Expect(rec.events).Should(Equal([]string{
		"pre:/src",
		"pre:/src/a",
		"file:/src/a/x.txt",
		"file:/src/a/y.txt",
		"post:/src/a",
		"file:/src/b.txt",
		"pre:/src/c",
		"post:/src/c",
		"post:/src",
	}))
}

func TestWalk_SingleFileRoot(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	rec := &recorder{}
	err := walker.Walk(context.Background(), mockTree(), "/src/b.txt", rec.visitor())
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(rec.events).Should(Equal([]string{"file:/src/b.txt"}))
}

func TestWalk_MissingRootReportsFailure(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	rec := &recorder{}
	err := walker.Walk(context.Background(), mockTree(), "/nope", rec.visitor())
	g.Expect(err).ShouldNot(HaveOccurred())
	g.Expect(rec.events).Should(Equal([]string{"fail:/nope"}))
}

func TestWalk_ListingFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	fs := mockTree()
	fs.FailOn(filesystem.OpReadDir, "/src/a", errors.New("permission denied"))

	rec := &recorder{}
	err := walker.Walk(context.Background(), fs, "/src", rec.visitor())
	g.Expect(err).ShouldNot(HaveOccurred())

	g.Expect(rec.events).Should(Equal([]string{
		"pre:/src",
		"pre:/src/a",
		"post-err:/src/a",
		"file:/src/b.txt",
		"pre:/src/c",
		"post:/src/c",
		"post:/src",
	}))
}

func TestWalk_SkipSubtreeAndTerminate(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	rec := &recorder{onPre: func(path string) walker.Action {
		if path == "/src/a" {
			return walker.SkipSubtree
		}
		return walker.Continue
	}}
	g.Expect(walker.Walk(context.Background(), mockTree(), "/src", rec.visitor())).Should(Succeed())
	g.Expect(rec.events).ShouldNot(ContainElement("file:/src/a/x.txt"))
	g.Expect(rec.events).ShouldNot(ContainElement("post:/src/a"))
	g.Expect(rec.events).Should(ContainElement("file:/src/b.txt"))

	rec = &recorder{onFile: func(string) walker.Action { return walker.Terminate }}
	g.Expect(walker.Walk(context.Background(), mockTree(), "/src", rec.visitor())).Should(Succeed())
	g.Expect(rec.events).Should(Equal([]string{"pre:/src", "pre:/src/a", "file:/src/a/x.txt"}))
}

func TestWalk_CancelledContext(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	ctx, cancel := context.WithCancel(context.Background())

	rec := &recorder{onPre: func(path string) walker.Action {
		if path == "/src/a" {
			cancel()
		}
		return walker.Continue
	}}

	err := walker.Walk(ctx, mockTree(), "/src", rec.visitor())
	g.Expect(err).Should(MatchError(context.Canceled))
	g.Expect(rec.events).ShouldNot(ContainElement("file:/src/a/x.txt"))
}

func TestWalk_NativeWalkerSynthesizesPostOrder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	root := t.TempDir()
	g.Expect(os.MkdirAll(filepath.Join(root, "a"), 0o755)).Should(Succeed())
	g.Expect(os.MkdirAll(filepath.Join(root, "c"), 0o755)).Should(Succeed())
	g.Expect(os.WriteFile(filepath.Join(root, "a", "x.txt"), []byte("x"), 0o600)).Should(Succeed())
	g.Expect(os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o600)).Should(Succeed())

	rec := &recorder{}
	err := walker.Walk(context.Background(), filesystem.NewRealFileSystem(), root, rec.visitor())
	g.Expect(err).ShouldNot(HaveOccurred())

	g.Expect(rec.events).Should(Equal([]string{
		"pre:" + root,
		"pre:" + filepath.Join(root, "a"),
		"file:" + filepath.Join(root, "a", "x.txt"),
		"post:" + filepath.Join(root, "a"),
		"file:" + filepath.Join(root, "b.txt"),
		"pre:" + filepath.Join(root, "c"),
		"post:" + filepath.Join(root, "c"),
		"post:" + root,
	}))
}
