// Package walker enumerates a directory subtree on any filesystem backend, producing
// pre-order directory visits, file visits and post-order directory completions.
//
// Backends that can walk natively (local disk) are walked with their own walker; all
// others are listed one directory at a time with a single bulk ReadDir per directory.
// Both strategies keep their own explicit stack, so tree depth never grows the Go stack.
package walker

import (
	"context"
	"os"
	"strings"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// Action tells the walker how to proceed after a callback.
type Action int

// Actions.
const (
	Continue Action = iota
	SkipSubtree
	Terminate
)

// Visitor receives the traversal. PostVisitDirectory is called once a directory's
// subtree has been fully visited; err is the listing error for that directory, if any.
// A directory skipped from PreVisitDirectory gets no PostVisitDirectory.
type Visitor interface {
	PreVisitDirectory(path string, info os.FileInfo) Action
	VisitFile(path string, info os.FileInfo) Action
	PostVisitDirectory(path string, err error) Action
	VisitFileFailed(path string, err error) Action
}

// VisitorFuncs adapts optional functions to a Visitor. Nil callbacks continue.
type VisitorFuncs struct {
	PreVisitDirectoryFunc  func(path string, info os.FileInfo) Action
	VisitFileFunc          func(path string, info os.FileInfo) Action
	PostVisitDirectoryFunc func(path string, err error) Action
	VisitFileFailedFunc    func(path string, err error) Action
}

func (v VisitorFuncs) PreVisitDirectory(path string, info os.FileInfo) Action {
	if v.PreVisitDirectoryFunc == nil {
		return Continue
	}

	return v.PreVisitDirectoryFunc(path, info)
}

func (v VisitorFuncs) VisitFile(path string, info os.FileInfo) Action {
	if v.VisitFileFunc == nil {
		return Continue
	}

	return v.VisitFileFunc(path, info)
}

func (v VisitorFuncs) PostVisitDirectory(path string, err error) Action {
	if v.PostVisitDirectoryFunc == nil {
		return Continue
	}

	return v.PostVisitDirectoryFunc(path, err)
}

func (v VisitorFuncs) VisitFileFailed(path string, err error) Action {
	if v.VisitFileFailedFunc == nil {
		return Continue
	}

	return v.VisitFileFailedFunc(path, err)
}

// Walk stats root and walks it. A root that cannot be stat'ed is reported through
// VisitFileFailed. The only error returned is ctx's, when the walk was cancelled.
func Walk(ctx context.Context, fsys filesystem.FileSystem, root string, v Visitor) error {
	info, err := fsys.Stat(root)
	if err != nil {
		v.VisitFileFailed(root, err)
		return ctx.Err()
	}

	return WalkInfo(ctx, fsys, root, info, v)
}

// WalkInfo walks root using info already fetched by the caller.
func WalkInfo(ctx context.Context, fsys filesystem.FileSystem, root string, info os.FileInfo, v Visitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !info.IsDir() {
		v.VisitFile(root, info)
		return nil
	}

	if native, ok := fsys.(filesystem.NativeWalker); ok {
		return walkNative(ctx, native.Walk(root), v)
	}

	return walkListing(ctx, fsys, root, info, v)
}

type frame struct {
	path     string
	children []os.FileInfo
	next     int
	err      error
}

func walkListing(ctx context.Context, fsys filesystem.FileSystem, root string, info os.FileInfo, v Visitor) error {
	var stack []*frame

	enter := func(path string, info os.FileInfo) Action {
		action := v.PreVisitDirectory(path, info)
		if action != Continue {
			return action
		}

		children, err := fsys.ReadDir(path)
		stack = append(stack, &frame{path: path, children: children, err: err})

		return Continue
	}

	if enter(root, info) == Terminate {
		return nil
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := stack[len(stack)-1]

		if top.next >= len(top.children) {
			stack = stack[:len(stack)-1]
			if v.PostVisitDirectory(top.path, top.err) == Terminate {
				return nil
			}

			continue
		}

		child := top.children[top.next]
		top.next++

		path := fsys.Join(top.path, child.Name())

		var action Action
		if child.IsDir() {
			action = enter(path, child)
		} else {
			action = v.VisitFile(path, child)
		}

		if action == Terminate {
			return nil
		}
	}

	return nil
}

func walkNative(ctx context.Context, w filesystem.Walker, v Visitor) error {
	type open struct {
		path string
		err  error
	}

	var stack []*open

	// closeUntil completes every open directory that is not an ancestor of path
	closeUntil := func(path string) bool {
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if path != "" && isWithin(top.path, path) {
				return true
			}

			stack = stack[:len(stack)-1]
			if v.PostVisitDirectory(top.path, top.err) == Terminate {
				return false
			}
		}

		return true
	}

	for w.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := w.Path()

		if err := w.Err(); err != nil {
			// A directory that failed to list is yielded a second time with the error
			if len(stack) > 0 && stack[len(stack)-1].path == path {
				stack[len(stack)-1].err = err
				continue
			}

			if !closeUntil(path) {
				return nil
			}

			if v.VisitFileFailed(path, err) == Terminate {
				return nil
			}

			continue
		}

		if !closeUntil(path) {
			return nil
		}

		info := w.Stat()
		if !info.IsDir() {
			if v.VisitFile(path, info) == Terminate {
				return nil
			}

			continue
		}

		switch v.PreVisitDirectory(path, info) {
		case Terminate:
			return nil
		case SkipSubtree:
			w.SkipDir()
		case Continue:
			stack = append(stack, &open{path: path})
		}
	}

	closeUntil("")

	return ctx.Err()
}

func isWithin(dir, path string) bool {
	if !strings.HasSuffix(dir, "/") && !strings.HasSuffix(dir, string(os.PathSeparator)) {
		dir += string(os.PathSeparator)
	}

	return strings.HasPrefix(path, dir)
}
