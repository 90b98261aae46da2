package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/joe/transfer-queue/internal/clock"
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/task"
)

func newDir(parent task.ID) *task.DirectoryTransfer {
	return task.NewDirectoryTransfer(task.Params{ParentID: parent, Source: "/src", Target: "/dst"}, nil, 0o755)
}

func newFile(parent task.ID, size int64) *task.FileTransfer {
	return task.NewFileTransfer(task.Params{ParentID: parent, Source: "/src/f", Target: "/dst/f", Size: size}, nil, nil)
}

func newHighFile(size int64) *task.FileTransfer {
	return task.NewFileTransfer(task.Params{Source: "/edit", Target: "/remote/edit", Size: size, Priority: task.High}, nil, nil)
}

func newDelete(parent task.ID, isDir bool) *task.DeleteTransfer {
	return task.NewDeleteTransfer(task.Params{ParentID: parent, Source: "/x", IsDirectory: isDir}, nil)
}

func claimID(r *registry.Registry, lane registry.Lane) task.ID {
	t, _ := r.Claim(lane)
	if t == nil {
		return 0
	}

	return t.ID()
}

// complete drives a node from Ready to Done.
func complete(g *WithT, r *registry.Registry, id task.ID) {
	g.Expect(r.ChangeState(id, registry.Processing, nil)).Should(BeTrue())
	g.Expect(r.ChangeState(id, registry.Done, nil)).Should(BeTrue())
}

func TestInsert_AggregatesLeafSizesIntoAncestors(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	root := newDir(0)
	sub := newDir(root.ID())
	a := newFile(root.ID(), 100)
	b := newFile(sub.ID(), 50)

	for _, tk := range []task.Task{root, sub, a, b} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	info, ok := r.Get(root.ID())
	g.Expect(ok).Should(BeTrue())
	g.Expect(info.Filesize).Should(Equal(int64(150)))
	g.Expect(info.Kind).Should(Equal(task.KindDirectory))
	g.Expect(info.Scanning).Should(BeTrue())

	info, _ = r.Get(sub.ID())
	g.Expect(info.Filesize).Should(Equal(int64(50)))
	g.Expect(info.Depth).Should(Equal(1))

	g.Expect(r.Len()).Should(Equal(4))
	g.Expect(r.Pending()).Should(Equal(4))
	g.Expect(r.Roots()).Should(Equal([]task.ID{root.ID()}))
}

func TestInsert_RejectsInvalidAncestry(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	file := newFile(0, 1)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	g.Expect(r.Insert(file)).Should(BeTrue())

	g.Expect(r.Insert(dir)).Should(BeFalse(), "duplicate id")
	g.Expect(r.Insert(newFile(task.NextID(), 1))).Should(BeFalse(), "unknown parent")
	g.Expect(r.Insert(newFile(file.ID(), 1))).Should(BeFalse(), "parent is not a directory")

	g.Expect(r.ChangeState(dir.ID(), registry.Processing, nil)).Should(BeTrue())
	g.Expect(r.ChangeState(dir.ID(), registry.Failed, errors.New("mkdir denied"))).Should(BeTrue())
	g.Expect(r.Insert(newFile(dir.ID(), 1))).Should(BeFalse(), "failed ancestor")
}

func TestChangeState_IsMonotonic(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	g.Expect(r.Insert(dir)).Should(BeTrue())

	g.Expect(r.ChangeState(dir.ID(), registry.Done, nil)).Should(BeFalse(), "Ready->Done")
	g.Expect(r.ChangeState(dir.ID(), registry.Processing, nil)).Should(BeTrue())
	g.Expect(r.ChangeState(dir.ID(), registry.Ready, nil)).Should(BeFalse(), "Processing->Ready")
	g.Expect(r.ChangeState(dir.ID(), registry.Processing, nil)).Should(BeFalse())
	g.Expect(r.ChangeState(dir.ID(), registry.Done, nil)).Should(BeTrue())

	// Still scanning, so the directory stays registered in its terminal state
	for _, to := range []registry.State{registry.Ready, registry.Processing, registry.Failed, registry.Done} {
		g.Expect(r.ChangeState(dir.ID(), to, nil)).Should(BeFalse(), to.String())
	}

	info, ok := r.Get(dir.ID())
	g.Expect(ok).Should(BeTrue())
	g.Expect(info.State).Should(Equal(registry.Done))
	g.Expect(info.Progress()).Should(Equal(1.0))
}

func TestClaim_DirectoryBeforeChildren(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	file := newFile(dir.ID(), 10)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	g.Expect(r.Insert(file)).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(dir.ID()))

	got, wake := r.Claim(registry.LaneNormal)
	g.Expect(got).Should(BeNil())
	g.Expect(wake).ShouldNot(BeNil())

	g.Expect(r.ChangeState(dir.ID(), registry.Done, nil)).Should(BeTrue())
	g.Expect(wake).Should(BeClosed())

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(file.ID()))
}

func TestClaim_DeletesChildrenBeforeDirectory(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDelete(0, true)
	file := newDelete(dir.ID(), false)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	g.Expect(r.Insert(file)).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(file.ID()))
	g.Expect(claimID(r, registry.LaneNormal)).Should(BeZero(), "directory waits for its child")

	g.Expect(r.ChangeState(file.ID(), registry.Done, nil)).Should(BeTrue())
	g.Expect(r.Contains(file.ID())).Should(BeFalse(), "done leaf is pruned")
	g.Expect(claimID(r, registry.LaneNormal)).Should(BeZero(), "directory is still scanning")

	g.Expect(r.Scanned(dir.ID())).Should(BeTrue())
	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(dir.ID()))
}

func TestClaim_DeleteDirectoryFailsWhenAllChildrenFailed(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	outer := newDelete(0, true)
	inner := newDelete(outer.ID(), true)
	file := newDelete(inner.ID(), false)

	for _, tk := range []task.Task{outer, inner, file} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	g.Expect(r.Scanned(inner.ID())).Should(BeTrue())
	g.Expect(r.Scanned(outer.ID())).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(file.ID()))
	g.Expect(r.ChangeState(file.ID(), registry.Failed, errors.New("permission denied"))).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneNormal)).Should(BeZero())

	info, _ := r.Get(inner.ID())
	g.Expect(info.State).Should(Equal(registry.Failed))
	g.Expect(info.Err).Should(MatchError(registry.ErrChildFailed))

	info, _ = r.Get(outer.ID())
	g.Expect(info.State).Should(Equal(registry.Failed))
	g.Expect(r.Pending()).Should(BeZero())
}

func TestInsert_DeleteDirectoryCountsItsOwnUnit(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDelete(0, true)
	a := newDelete(dir.ID(), false)
	b := newDelete(dir.ID(), false)

	for _, tk := range []task.Task{dir, a, b} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	info, _ := r.Get(dir.ID())
	g.Expect(info.Filesize).Should(Equal(int64(3)))

	for _, id := range []task.ID{a.ID(), b.ID()} {
		g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(id))
		r.Record(id, 1)
		g.Expect(r.ChangeState(id, registry.Done, nil)).Should(BeTrue())
	}

	info, _ = r.Get(dir.ID())
	g.Expect(info.Transferred).Should(Equal(int64(2)))
	g.Expect(info.Progress()).Should(BeNumerically("~", 2.0/3, 1e-9))
}

func TestFailReady_LeavesClaimedNodesAlone(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	claimed := newDir(0)
	waiting := newDir(0)
	child := newFile(waiting.ID(), 10)

	for _, tk := range []task.Task{claimed, waiting, child} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(claimed.ID()))

	listing := errors.New("permission denied")
	g.Expect(r.FailReady(claimed.ID(), listing)).Should(BeFalse())
	g.Expect(r.FailReady(waiting.ID(), listing)).Should(BeTrue())
	g.Expect(r.FailReady(waiting.ID(), listing)).Should(BeFalse(), "already failed")
	g.Expect(r.FailReady(task.NextID(), listing)).Should(BeFalse())

	info, _ := r.Get(claimed.ID())
	g.Expect(info.State).Should(Equal(registry.Processing))

	info, _ = r.Get(waiting.ID())
	g.Expect(info.State).Should(Equal(registry.Failed))
	g.Expect(info.Err).Should(MatchError(listing))

	info, _ = r.Get(child.ID())
	g.Expect(info.Err).Should(MatchError(registry.ErrParentFailed))
}

func TestChangeState_FailedDirectoryFailsReadyDescendants(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	sub := newDir(dir.ID())
	deep := newFile(sub.ID(), 5)
	file := newFile(dir.ID(), 5)

	for _, tk := range []task.Task{dir, sub, deep, file} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(dir.ID()))
	g.Expect(r.ChangeState(dir.ID(), registry.Failed, errors.New("disk full"))).Should(BeTrue())

	for _, id := range []task.ID{sub.ID(), deep.ID(), file.ID()} {
		info, ok := r.Get(id)
		g.Expect(ok).Should(BeTrue())
		g.Expect(info.State).Should(Equal(registry.Failed))
		g.Expect(info.Err).Should(MatchError(registry.ErrParentFailed))
	}

	g.Expect(claimID(r, registry.LaneNormal)).Should(BeZero())
}

func TestClaim_HighLaneOnlyTakesHighWork(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	normal := newFile(0, 10)
	high := newHighFile(10)
	g.Expect(r.Insert(normal)).Should(BeTrue())
	g.Expect(r.Insert(high)).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneHigh)).Should(Equal(high.ID()))
	g.Expect(claimID(r, registry.LaneHigh)).Should(BeZero())
	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(normal.ID()))

	// Idle normal workers help out with high work
	spare := newHighFile(10)
	g.Expect(r.Insert(spare)).Should(BeTrue())
	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(spare.ID()))
}

func TestClaim_NormalLanePrefersNormalWork(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	high := newHighFile(10)
	normal := newFile(0, 10)
	g.Expect(r.Insert(high)).Should(BeTrue())
	g.Expect(r.Insert(normal)).Should(BeTrue())

	g.Expect(claimID(r, registry.LaneNormal)).Should(Equal(normal.ID()))
}

func TestRemove_SubtractsUntransferredRemainder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	root := newDir(0)
	sub := newDir(root.ID())
	file := newFile(sub.ID(), 100)
	other := newFile(root.ID(), 30)

	for _, tk := range []task.Task{root, sub, file, other} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	complete(g, r, root.ID())
	complete(g, r, sub.ID())
	g.Expect(r.ChangeState(file.ID(), registry.Processing, nil)).Should(BeTrue())
	r.Record(file.ID(), 40)

	g.Expect(r.Remove(file.ID())).Should(BeTrue())

	info, _ := r.Get(root.ID())
	g.Expect(info.Filesize).Should(Equal(int64(70)))
	g.Expect(info.Transferred).Should(Equal(int64(40)))

	info, _ = r.Get(sub.ID())
	g.Expect(info.Filesize).Should(Equal(int64(40)))

	// The worker still holding the task loses the race
	g.Expect(r.ChangeState(file.ID(), registry.Done, nil)).Should(BeFalse())
	g.Expect(r.Active(file.ID())).Should(BeFalse())

	g.Expect(r.Remove(file.ID())).Should(BeFalse())
	info, _ = r.Get(root.ID())
	g.Expect(info.Filesize).Should(Equal(int64(70)))
}

func TestRemove_DropsLateDeltas(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	file := newFile(dir.ID(), 100)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	g.Expect(r.Insert(file)).Should(BeTrue())

	g.Expect(r.Remove(file.ID())).Should(BeTrue())
	r.Record(file.ID(), 64)

	info, _ := r.Get(dir.ID())
	g.Expect(info.Filesize).Should(BeZero())
	g.Expect(info.Transferred).Should(BeZero())
}

func TestRemove_CancelsSubtreeAndNotifies(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()

	var (
		mu      sync.Mutex
		changes []registry.Change
	)

	unsubscribe := r.Subscribe(func(c registry.Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.Run(ctx) }()

	dir := newDir(0)
	a := newFile(dir.ID(), 1)
	b := newFile(dir.ID(), 1)

	for _, tk := range []task.Task{dir, a, b} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	g.Expect(r.Remove(dir.ID())).Should(BeTrue())
	g.Expect(r.Len()).Should(BeZero())

	removed := func() []task.ID {
		mu.Lock()
		defer mu.Unlock()

		var ids []task.ID

		for _, c := range changes {
			if c.Removed {
				g.Expect(c.State).Should(Equal(registry.Failed))
				g.Expect(c.Err).Should(MatchError(task.ErrCancelled))
				ids = append(ids, c.Task.ID())
			}
		}

		return ids
	}

	g.Eventually(removed).Should(ConsistOf(dir.ID(), a.ID(), b.ID()))
}

func TestPrune_DirectoryWaitsForScanAndChildren(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	a := newFile(dir.ID(), 10)
	b := newFile(dir.ID(), 0)

	for _, tk := range []task.Task{dir, a, b} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	complete(g, r, dir.ID())

	g.Expect(r.ChangeState(a.ID(), registry.Processing, nil)).Should(BeTrue())
	r.Record(a.ID(), 10)
	g.Expect(r.ChangeState(a.ID(), registry.Done, nil)).Should(BeTrue())
	g.Expect(r.Contains(a.ID())).Should(BeFalse())

	complete(g, r, b.ID())
	g.Expect(r.Contains(b.ID())).Should(BeFalse())
	g.Expect(r.Contains(dir.ID())).Should(BeTrue(), "still scanning")

	info, _ := r.Get(dir.ID())
	g.Expect(info.Transferred).Should(Equal(int64(10)))
	g.Expect(info.Filesize).Should(Equal(int64(10)))
	g.Expect(info.Children).Should(BeZero())

	g.Expect(r.Scanned(dir.ID())).Should(BeTrue())
	g.Expect(r.Contains(dir.ID())).Should(BeFalse())
	g.Expect(r.Len()).Should(BeZero())
}

func TestAccounting_SpeedWindowAndETA(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := registry.New(registry.WithClock(clk))

	dir := newDir(0)
	file := newFile(dir.ID(), 100)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	g.Expect(r.Insert(file)).Should(BeTrue())

	r.Record(file.ID(), 10)
	clk.Advance(500 * time.Millisecond)
	r.Record(file.ID(), 20)

	info, _ := r.Get(file.ID())
	g.Expect(info.Transferred).Should(Equal(int64(30)))
	g.Expect(info.Speed).Should(Equal(30.0))

	clk.Advance(700 * time.Millisecond)

	info, _ = r.Get(dir.ID())
	g.Expect(info.Transferred).Should(Equal(int64(30)))
	g.Expect(info.Speed).Should(Equal(20.0))

	eta, ok := info.ETA()
	g.Expect(ok).Should(BeTrue())
	g.Expect(eta).Should(Equal(3500 * time.Millisecond))
	g.Expect(info.Progress()).Should(BeNumerically("~", 0.3, 1e-9))

	clk.Advance(2 * time.Second)

	info, _ = r.Get(dir.ID())
	g.Expect(info.Speed).Should(BeZero())
	_, ok = info.ETA()
	g.Expect(ok).Should(BeFalse())
}

func TestAccounting_FlushKeepsFutureEvents(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	r := registry.New(registry.WithClock(clk))

	file := newFile(0, 100)
	g.Expect(r.Insert(file)).Should(BeTrue())

	clk.Advance(time.Second)
	r.Record(file.ID(), 25)

	// A flush for an earlier instant leaves the event queued; Get applies it
	r.Flush(start)

	info, _ := r.Get(file.ID())
	g.Expect(info.Transferred).Should(Equal(int64(25)))
}

func TestAccounting_LateEventLeavesWindowInOrder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	r := registry.New(registry.WithClock(clk))

	file := newFile(0, 1000)
	g.Expect(r.Insert(file)).Should(BeTrue())

	r.Record(file.ID(), 100)

	info, _ := r.Get(file.ID())
	g.Expect(info.Speed).Should(Equal(100.0))

	// A delta stamped before the bytes already applied
	clk.Advance(-500 * time.Millisecond)
	r.Record(file.ID(), 50)
	clk.Advance(1100 * time.Millisecond)

	info, _ = r.Get(file.ID())
	g.Expect(info.Transferred).Should(Equal(int64(150)))
	g.Expect(info.Speed).Should(Equal(100.0), "the older sample has left the window")
}

func TestChanged_ClosesOnMutation(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	ch := r.Changed()
	g.Expect(ch).ShouldNot(BeClosed())

	g.Expect(r.Insert(newFile(0, 1))).Should(BeTrue())
	g.Expect(ch).Should(BeClosed())
	g.Expect(r.Changed()).ShouldNot(BeClosed())
}

func TestSnapshot_DepthFirstOrder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	root := newDir(0)
	sub := newDir(root.ID())
	deep := newFile(sub.ID(), 1)
	sibling := newFile(root.ID(), 1)
	other := newFile(0, 1)

	for _, tk := range []task.Task{root, sub, deep, sibling, other} {
		g.Expect(r.Insert(tk)).Should(BeTrue())
	}

	var ids []task.ID
	for _, info := range r.Snapshot() {
		ids = append(ids, info.ID)
	}

	g.Expect(ids).Should(Equal([]task.ID{root.ID(), sub.ID(), deep.ID(), sibling.ID(), other.ID()}))

	var below []task.ID
	g.Expect(r.ForEachDescendant(root.ID(), func(info registry.NodeInfo) {
		below = append(below, info.ID)
	})).Should(BeTrue())
	g.Expect(below).Should(Equal([]task.ID{sub.ID(), deep.ID(), sibling.ID()}))
}

func TestRegistry_ConcurrentClaimCompleteAndCancel(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	r := registry.New()
	dir := newDir(0)
	g.Expect(r.Insert(dir)).Should(BeTrue())
	complete(g, r, dir.ID())

	var ids []task.ID

	for i := range 60 {
		f := newFile(dir.ID(), int64(i+1))
		g.Expect(r.Insert(f)).Should(BeTrue())
		ids = append(ids, f.ID())
	}

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				tk, wake := r.Claim(registry.LaneNormal)
				if tk == nil {
					if r.Pending() == 0 {
						return
					}

					select {
					case <-wake:
					case <-time.After(10 * time.Millisecond):
					}

					continue
				}

				r.Record(tk.ID(), tk.Size())
				r.ChangeState(tk.ID(), registry.Done, nil)
			}
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < len(ids); i += 5 {
			r.Remove(ids[i])
			r.Remove(ids[i])
		}
	}()

	wg.Wait()

	info, ok := r.Get(dir.ID())
	g.Expect(ok).Should(BeTrue())
	g.Expect(info.Filesize).Should(Equal(info.Transferred))
	g.Expect(info.Children).Should(BeZero())

	g.Expect(r.Scanned(dir.ID())).Should(BeTrue())
	g.Expect(r.Len()).Should(BeZero())
}
