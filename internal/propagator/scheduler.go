package propagator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/dmarkhas/vaultsync/internal/logging"
)

// ErrAborted is returned by Run when the propagation stopped before
// finishing, either through Abort or context cancellation.
var ErrAborted = errors.New("propagation aborted")

// Parallelism declares how a job may be scheduled relative to others.
type Parallelism int

const (
	// FullParallelism jobs run concurrently with others, bounded by
	// Options.MaxParallel.
	FullParallelism Parallelism = iota
	// WaitForFinished jobs run strictly alone: the scheduler drains all
	// running work first and admits nothing until the job completes.
	WaitForFinished
)

// Job is one unit of propagation work. Start runs on the scheduler loop
// goroutine: it performs filesystem and journal mutations directly and hands
// blocking network work to rt.Async, finishing from the continuation. Every
// job ends with exactly one rt.Finish call.
type Job interface {
	Item() *SyncFileItem
	Parallelism() Parallelism
	Start(ctx context.Context, rt *JobRuntime)
}

// JobRuntime is a job's handle back into the scheduler.
type JobRuntime struct {
	s    *Scheduler
	node int
}

// Async runs work on its own goroutine and posts then back to the scheduler
// loop with work's result. Mutating state from work is not allowed; do it in
// then.
func (rt *JobRuntime) Async(work func() error, then func(error)) {
	go func() {
		err := work()
		rt.s.posts <- func() { then(err) }
	}()
}

// Finish records the job's terminal status and message and releases its
// scheduler slot. Safe to call exactly once.
func (rt *JobRuntime) Finish(status Status, message string) {
	rt.s.finishJob(rt.node, status, message)
}

// node is one arena entry of the job tree. Directory nodes carry their
// children by index; postOrder nodes run their own job after the children
// (directory removes), everything else before them.
type node struct {
	id     int
	parent int
	job    Job
	item   *SyncFileItem

	children        []int
	postOrder       bool
	jobDone         bool
	finished        bool
	pendingChildren int
	ownError        bool
	childError      bool
}

// Scheduler drives a job tree. All node state lives on the loop goroutine;
// jobs post continuations instead of sharing it.
type Scheduler struct {
	p   *Propagator
	log logging.Logger
	ctx context.Context

	nodes     []*node
	ready     []int
	posts     chan func()
	running   int
	exclusive bool

	firstFatal error
	done       bool
}

// NewScheduler prepares an empty scheduler over the propagator.
func NewScheduler(p *Propagator, log logging.Logger) *Scheduler {
	buf := 64
	if p.opts.MaxParallel*2 > buf {
		buf = p.opts.MaxParallel * 2
	}
	return &Scheduler{
		p:     p,
		log:   log.With("component", "scheduler"),
		posts: make(chan func(), buf),
	}
}

// Run builds the job tree from the worklist and drives it to completion.
// Per-item outcomes land on the items; the returned error is the first fatal
// one, ErrAborted for an interrupted run, nil otherwise.
func (s *Scheduler) Run(ctx context.Context, items []*SyncFileItem) error {
	s.buildTree(items)
	return s.drive(ctx)
}

// drive runs the event loop over an already-built tree.
func (s *Scheduler) drive(ctx context.Context) error {
	s.ctx = ctx
	s.activateRoot()

	for !s.done {
		if ctx.Err() != nil {
			s.p.Abort()
		}
		s.admit(ctx)
		if s.done {
			break
		}
		if s.running > 0 {
			select {
			case act := <-s.posts:
				act()
			case <-ctx.Done():
				s.p.Abort()
				act := <-s.posts
				act()
			}
			continue
		}
		// Nothing running: either the queue is blocked by an abort or
		// the tree is exhausted.
		break
	}

	s.drainUnfinished()

	if s.firstFatal != nil {
		return s.firstFatal
	}
	if s.p.AbortRequested() {
		return ErrAborted
	}
	if err := s.p.journal.Commit(ctx, "All Files Synced"); err != nil {
		s.log.Error(ctx, "final journal commit failed", "err", err)
	}
	return nil
}

// buildTree sorts the worklist by destination and hangs every item under its
// nearest directory ancestor that is itself part of the worklist, or under
// the synthetic root. Items below a renamed directory arrive keyed by the
// new name, so destinations are what nest.
func (s *Scheduler) buildTree(items []*SyncFileItem) {
	s.nodes = []*node{{id: 0, parent: -1}}

	sorted := make([]*SyncFileItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Destination() < sorted[j].Destination() })

	dirNodes := map[string]int{}
	for _, it := range sorted {
		parentID := 0
		for dir := path.Dir(it.Destination()); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if id, ok := dirNodes[dir]; ok {
				parentID = id
				break
			}
		}

		n := &node{
			id:        len(s.nodes),
			parent:    parentID,
			job:       s.jobFor(it),
			item:      it,
			postOrder: it.IsDirectory && it.Instruction == InstructionRemove,
		}
		s.nodes = append(s.nodes, n)
		parent := s.nodes[parentID]
		parent.children = append(parent.children, n.id)

		if it.IsDirectory {
			dirNodes[it.Destination()] = n.id
			if it.File != it.Destination() {
				dirNodes[it.File] = n.id
			}
		}
	}
}

// jobFor maps an instruction to its job. Items nothing here handles become
// plain containers for their children.
func (s *Scheduler) jobFor(it *SyncFileItem) Job {
	switch it.Instruction {
	case InstructionRemove:
		return NewLocalRemoveJob(s.p, it)
	case InstructionNew, InstructionConflict:
		if it.IsDirectory {
			return NewLocalMkdirJob(s.p, it)
		}
	case InstructionRename:
		return NewLocalRenameJob(s.p, it)
	case InstructionUpdateMetadata:
		if it.IsDirectory && it.EncryptionStatus.IsEncrypted() {
			return NewUpdateMigratedMetadataJob(s.p, it)
		}
	case InstructionIgnore:
		// Reported through ItemCompleted but never propagated.
		return nil
	}
	return nil
}

func (s *Scheduler) activateRoot() {
	root := s.nodes[0]
	if len(root.children) == 0 {
		s.done = true
		return
	}
	root.jobDone = true
	root.pendingChildren = len(root.children)
	for _, c := range root.children {
		s.enqueueNode(c)
	}
}

// enqueueNode makes a node runnable: pre-order nodes queue their own job,
// post-order and container nodes activate their children first.
func (s *Scheduler) enqueueNode(id int) {
	n := s.nodes[id]
	if n.postOrder || n.job == nil {
		n.jobDone = n.job == nil
		if len(n.children) > 0 {
			n.pendingChildren = len(n.children)
			for _, c := range n.children {
				s.enqueueNode(c)
			}
			return
		}
		if n.job != nil {
			s.ready = append(s.ready, id)
			return
		}
		s.finishNode(id)
		return
	}
	s.ready = append(s.ready, id)
}

// admit starts ready jobs while capacity and ordering rules allow.
func (s *Scheduler) admit(ctx context.Context) {
	for len(s.ready) > 0 {
		if s.p.AbortRequested() || ctx.Err() != nil || s.exclusive {
			return
		}
		id := s.ready[0]
		n := s.nodes[id]
		if n.job.Parallelism() == WaitForFinished {
			if s.running > 0 {
				return
			}
			s.exclusive = true
		} else if s.running >= s.p.opts.MaxParallel {
			return
		}
		s.ready = s.ready[1:]
		s.running++
		n.job.Start(ctx, &JobRuntime{s: s, node: id})
	}
}

// finishJob handles a job's terminal status: aggregation, child activation
// and fatal-error escalation.
func (s *Scheduler) finishJob(id int, status Status, message string) {
	n := s.nodes[id]
	if n.jobDone {
		return
	}
	n.jobDone = true
	s.running--
	if n.job.Parallelism() == WaitForFinished {
		s.exclusive = false
	}

	if n.item != nil {
		n.item.Done(status, message)
	}
	n.ownError = status.IsError()

	if status == StatusFatalError {
		if s.firstFatal == nil {
			s.firstFatal = fmt.Errorf("%s: %s", n.item.File, message)
		}
		s.p.Abort()
	}

	if n.postOrder {
		s.finishNode(id)
		return
	}
	if n.ownError {
		s.skipDescendants(n, "parent item failed")
		s.finishNode(id)
		return
	}
	if len(n.children) > 0 {
		n.pendingChildren = len(n.children)
		for _, c := range n.children {
			s.enqueueNode(c)
		}
		return
	}
	s.finishNode(id)
}

// finishNode closes a node's subtree and propagates the result upward. A
// post-order parent whose children just drained gets its own job queued
// here; a clean directory gets its final etag written on the way out.
func (s *Scheduler) finishNode(id int) {
	n := s.nodes[id]
	if n.finished {
		return
	}
	if n.id != 0 {
		s.finalizeDirectory(n)
	}
	n.finished = true
	if n.item != nil {
		s.p.itemFinished(n.item)
	}

	subtreeErr := n.ownError || n.childError
	if n.parent < 0 {
		s.done = true
		return
	}
	parent := s.nodes[n.parent]
	parent.childError = parent.childError || subtreeErr
	parent.pendingChildren--
	if parent.pendingChildren > 0 {
		return
	}

	if parent.postOrder && !parent.jobDone {
		s.ready = append(s.ready, parent.id)
		return
	}
	s.finishNode(parent.id)
}

// finalizeDirectory writes a directory's settled journal row once every
// child propagated cleanly: a created directory trades its provisional etag
// for the real one, a renamed directory gets its row at the new path. A
// subtree error skips the write so the next run re-visits the directory.
func (s *Scheduler) finalizeDirectory(n *node) {
	it := n.item
	if it == nil || !it.IsDirectory || n.ownError || n.childError {
		return
	}
	switch it.Instruction {
	case InstructionNew, InstructionRename, InstructionConflict:
	default:
		return
	}
	if it.Etag == "" || it.Etag == provisionalEtag {
		return
	}
	if _, err := s.p.UpdateMetadata(s.ctx, it); err != nil {
		it.Done(StatusFatalError, fmt.Sprintf("Error updating metadata: %s", err))
		n.ownError = true
		if s.firstFatal == nil {
			s.firstFatal = fmt.Errorf("%s: %s", it.File, it.ErrorString)
		}
		s.p.Abort()
	}
}

// skipDescendants marks every item below a failed node as deferred to the
// next run, without touching statuses jobs already set.
func (s *Scheduler) skipDescendants(n *node, reason string) {
	for _, c := range n.children {
		child := s.nodes[c]
		if child.item != nil && child.item.Status == StatusNone {
			child.item.Done(StatusSoftError, reason)
			if !child.finished {
				child.finished = true
				s.p.itemFinished(child.item)
			}
		}
		s.skipDescendants(child, reason)
	}
}

// drainUnfinished settles items left behind by an abort: anything without a
// status is deferred to the next run.
func (s *Scheduler) drainUnfinished() {
	for _, n := range s.nodes {
		if n.finished || n.item == nil {
			continue
		}
		if n.item.Status == StatusNone {
			n.item.Done(StatusSoftError, "propagation aborted")
		}
		n.finished = true
		s.p.itemFinished(n.item)
	}
}

// Run drives the worklist through a fresh scheduler.
func (p *Propagator) Run(ctx context.Context, items []*SyncFileItem) error {
	return NewScheduler(p, p.log).Run(ctx, items)
}
