// Package builder expands user selections into task trees and inserts them into the
// registry in dependency order.
package builder

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joe/transfer-queue/internal/logging"
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/task"
	"github.com/joe/transfer-queue/pkg/filesystem"
	"github.com/joe/transfer-queue/pkg/walker"
)

// Exported variables.
var (
	ErrNoFileSystem = errors.New("request has no filesystem")
	ErrNoSelections = errors.New("nothing selected")
	ErrUnknownMode  = errors.New("unknown mode")
)

// Mode is the operation applied to a selection.
type Mode int

// Modes.
const (
	// ModeTransfer copies selections from Source into TargetDir on Target.
	ModeTransfer Mode = iota
	// ModeDelete deletes selections from Source, children before parents.
	ModeDelete
	// ModeChangePermission sets Perm on selections, and on everything below them when
	// Recursive is set.
	ModeChangePermission
	// ModeRemoteRemove runs rm -rf on Source for each selection.
	ModeRemoteRemove
)

var (
	_ encoding.TextMarshaler   = Mode(0)
	_ encoding.TextUnmarshaler = (*Mode)(nil)
)

func (m Mode) String() string {
	switch m {
	case ModeTransfer:
		return "transfer"
	case ModeDelete:
		return "delete"
	case ModeChangePermission:
		return "chmod"
	case ModeRemoteRemove:
		return "remote-rm"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so go-arg can parse --mode.
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "transfer", "copy", "":
		*m = ModeTransfer
	case "delete", "rm":
		*m = ModeDelete
	case "chmod", "change-permission":
		*m = ModeChangePermission
	case "remote-rm", "remote-remove":
		*m = ModeRemoteRemove
	default:
		return fmt.Errorf("%w: %q (must be 'transfer', 'delete', 'chmod', or 'remote-rm')", ErrUnknownMode, string(text))
	}

	return nil
}

// Selection is one path chosen by the user. Info may be nil, in which case the path is
// stat'ed before walking.
type Selection struct {
	Path string
	Info os.FileInfo
}

// Request describes one submission.
type Request struct {
	Mode Mode
	// Source holds the selected paths.
	Source filesystem.FileSystem
	// Target receives copies in ModeTransfer.
	Target     filesystem.FileSystem
	Selections []Selection
	TargetDir  string
	Perm       os.FileMode
	Recursive  bool
	Priority   task.Priority
	Exclude    []string
	// Limiter, if set, throttles every file copied by the request.
	Limiter *rate.Limiter
}

// Observer follows a build as it inserts tasks.
type Observer interface {
	Inserted(t task.Task)
	Rejected(t task.Task)
	Failed(err error)
}

// Result is an Observer that keeps counts and errors.
type Result struct {
	mu       sync.Mutex
	inserted []task.ID
	rejected int
	errs     []error
}

func (r *Result) Inserted(t task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inserted = append(r.inserted, t.ID())
}

func (r *Result) Rejected(task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rejected++
}

func (r *Result) Failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

// IDs returns the inserted task ids in insertion order.
func (r *Result) IDs() []task.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]task.ID(nil), r.inserted...)
}

// RejectedCount returns the number of structural insert failures.
func (r *Result) RejectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rejected
}

// Errors returns walk and stat failures.
func (r *Result) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

// Builder inserts task trees into a registry.
type Builder struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// New creates a builder for reg.
func New(reg *registry.Registry, logger *zap.Logger) *Builder {
	return &Builder{reg: reg, logger: logging.Or(logger).Named("builder")}
}

// Build expands every selection of req. Per-path problems are reported to obs and do not
// stop the build; the returned error is for an invalid request or a cancelled ctx.
func (b *Builder) Build(ctx context.Context, req Request, obs Observer) error {
	if len(req.Selections) == 0 {
		return ErrNoSelections
	}

	if req.Source == nil || (req.Mode == ModeTransfer && req.Target == nil) {
		return ErrNoFileSystem
	}

	filter, err := NewExcludeFilter(req.Exclude)
	if err != nil {
		return err
	}

	for _, sel := range req.Selections {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := b.buildSelection(ctx, req, sel, filter, obs); err != nil {
			return err
		}
	}

	return nil
}

func (b *Builder) buildSelection(ctx context.Context, req Request, sel Selection, filter *ExcludeFilter, obs Observer) error {
	log := b.logger.With(zap.String("mode", req.Mode.String()), zap.String("path", sel.Path))

	info := sel.Info
	if info == nil {
		var err error

		info, err = req.Source.Stat(sel.Path)
		if err != nil {
			obs.Failed(fmt.Errorf("failed to stat %s: %w", sel.Path, err))
			log.Warn("selection unavailable", zap.Error(err))

			return nil
		}
	}

	switch req.Mode {
	case ModeRemoteRemove:
		b.insertRemoteRemove(req, sel, obs)
		return nil
	case ModeChangePermission:
		if !req.Recursive || !info.IsDir() {
			b.insertSingleChmod(req, sel, info, obs)
			return nil
		}
	case ModeTransfer, ModeDelete:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(req.Mode))
	}

	v := &treeVisitor{
		b:      b,
		req:    req,
		obs:    obs,
		filter: filter,
		base:   path.Dir(filepath.ToSlash(sel.Path)),
		root:   sel.Path,
	}

	if req.Mode == ModeTransfer {
		v.rootTarget = req.Target.Join(req.TargetDir, baseName(sel.Path))
	}

	if err := walker.WalkInfo(ctx, req.Source, sel.Path, info, v); err != nil {
		v.abandon()
		return fmt.Errorf("walk of %s interrupted: %w", sel.Path, err)
	}

	log.Debug("selection expanded", zap.Int("inserted", v.inserted))

	return nil
}

func (b *Builder) insertRemoteRemove(req Request, sel Selection, obs Observer) {
	runner, ok := req.Source.(filesystem.CommandRunner)
	if !ok {
		obs.Failed(fmt.Errorf("cannot remove %s remotely: %w", sel.Path, task.ErrNoRunner))
		return
	}

	t := task.NewCommandTransfer(task.Params{
		Source:   sel.Path,
		Target:   sel.Path,
		Priority: req.Priority,
	}, runner, "rm -rf "+shellQuote(sel.Path))

	b.insert(t, obs)
}

func (b *Builder) insertSingleChmod(req Request, sel Selection, info os.FileInfo, obs Observer) {
	t := task.NewChangePermissionTransfer(task.Params{
		Source:      sel.Path,
		Target:      sel.Path,
		IsDirectory: info.IsDir(),
		Priority:    req.Priority,
	}, req.Source, req.Perm, false)

	if b.insert(t, obs) {
		b.reg.Scanned(t.ID())
	}
}

func (b *Builder) insert(t task.Task, obs Observer) bool {
	if !b.reg.Insert(t) {
		obs.Rejected(t)
		b.logger.Debug("insert rejected", zap.Int64("task_id", int64(t.ID())), zap.String("path", t.Source()))

		return false
	}

	obs.Inserted(t)

	return true
}

type openDir struct {
	path   string
	id     task.ID
	target string
}

// treeVisitor inserts one node per walked entry. stack holds the directories whose
// subtrees are still being walked; its top is the parent of the next entry.
type treeVisitor struct {
	b          *Builder
	req        Request
	obs        Observer
	filter     *ExcludeFilter
	base       string
	root       string
	rootTarget string
	stack      []openDir
	inserted   int
}

func (v *treeVisitor) parent() (task.ID, string) {
	if len(v.stack) == 0 {
		return 0, ""
	}

	top := v.stack[len(v.stack)-1]

	return top.id, top.target
}

func (v *treeVisitor) excluded(p string) bool {
	if p == v.root {
		return false
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(p), v.base), "/")

	return v.filter.Excludes(rel)
}

func (v *treeVisitor) targetFor(p string) string {
	parentID, parentTarget := v.parent()
	if parentID == 0 {
		return v.rootTarget
	}

	return v.req.Target.Join(parentTarget, baseName(p))
}

func (v *treeVisitor) PreVisitDirectory(p string, info os.FileInfo) walker.Action {
	if v.excluded(p) {
		return walker.SkipSubtree
	}

	parentID, _ := v.parent()
	params := task.Params{ParentID: parentID, Source: p, IsDirectory: true, Priority: v.req.Priority}

	var t task.Task

	switch v.req.Mode {
	case ModeTransfer:
		params.Target = v.targetFor(p)
		t = task.NewDirectoryTransfer(params, v.req.Target, info.Mode().Perm())
	case ModeDelete:
		params.Target = p
		t = task.NewDeleteTransfer(params, v.req.Source)
	case ModeChangePermission, ModeRemoteRemove:
		params.Target = p
		t = task.NewChangePermissionTransfer(params, v.req.Source, v.req.Perm, true)
	}

	if !v.b.insert(t, v.obs) {
		return walker.SkipSubtree
	}

	v.inserted++
	v.stack = append(v.stack, openDir{path: p, id: t.ID(), target: t.Target()})

	return walker.Continue
}

func (v *treeVisitor) VisitFile(p string, info os.FileInfo) walker.Action {
	if v.excluded(p) {
		return walker.Continue
	}

	parentID, _ := v.parent()
	params := task.Params{ParentID: parentID, Source: p, Priority: v.req.Priority}

	var t task.Task

	switch v.req.Mode {
	case ModeTransfer:
		if !info.Mode().IsRegular() {
			v.b.logger.Debug("skipping special file", zap.String("path", p), zap.Stringer("mode", info.Mode()))
			return walker.Continue
		}

		params.Target = v.targetFor(p)
		params.Size = info.Size()

		var opts []task.FileOption
		if v.req.Limiter != nil {
			opts = append(opts, task.WithLimiter(v.req.Limiter))
		}

		t = task.NewFileTransfer(params, v.req.Source, v.req.Target, opts...)
	case ModeDelete:
		params.Target = p
		t = task.NewDeleteTransfer(params, v.req.Source)
	case ModeChangePermission, ModeRemoteRemove:
		params.Target = p
		t = task.NewChangePermissionTransfer(params, v.req.Source, v.req.Perm, true)
	}

	if v.b.insert(t, v.obs) {
		v.inserted++
	}

	return walker.Continue
}

func (v *treeVisitor) PostVisitDirectory(p string, err error) walker.Action {
	if len(v.stack) == 0 {
		return walker.Continue
	}

	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]

	if err != nil {
		v.obs.Failed(fmt.Errorf("failed to list %s: %w", p, err))
		v.b.reg.FailReady(top.id, err)
	}

	v.b.reg.Scanned(top.id)

	return walker.Continue
}

// abandon closes the directories a stopped walk left open. Their children will never all
// be inserted, so unclaimed ones fail as cancelled; all of them stop scanning so the tree
// can settle.
func (v *treeVisitor) abandon() {
	for i := len(v.stack) - 1; i >= 0; i-- {
		id := v.stack[i].id
		if v.b.reg.FailReady(id, task.ErrCancelled) {
			v.b.logger.Debug("abandoned unscanned directory", zap.Int64("task_id", int64(id)))
		}

		v.b.reg.Scanned(id)
	}

	v.stack = nil
}

func (v *treeVisitor) VisitFileFailed(p string, err error) walker.Action {
	v.obs.Failed(fmt.Errorf("failed to read %s: %w", p, err))
	return walker.Continue
}

func baseName(p string) string {
	return path.Base(filepath.ToSlash(p))
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
