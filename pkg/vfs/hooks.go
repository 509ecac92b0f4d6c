package vfs

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// HookOp names a capability operation as seen by hooks. Dir and File methods
// map onto these in interceptor.go.
type HookOp string

const (
	HookOpStat       HookOp = "stat"
	HookOpReadDir    HookOp = "readdir"
	HookOpOpen       HookOp = "open"
	HookOpCreate     HookOp = "create"
	HookOpMkdir      HookOp = "mkdir"
	HookOpRemoveDir  HookOp = "remove_dir"
	HookOpUnlink     HookOp = "unlink"
	HookOpRename     HookOp = "rename"
	HookOpLink       HookOp = "link"
	HookOpSymlink    HookOp = "symlink"
	HookOpReadlink   HookOp = "readlink"
	HookOpSetTimes   HookOp = "set_times"
	HookOpRead       HookOp = "read"
	HookOpWrite      HookOp = "write"
	HookOpClose      HookOp = "close"
	HookOpSync       HookOp = "sync"
	HookOpTruncate   HookOp = "truncate"
	HookOpSetFdFlags HookOp = "set_fd_flags"
)

// HookOps lists every operation hooks can be attached to.
var HookOps = []HookOp{
	HookOpStat, HookOpReadDir, HookOpOpen, HookOpCreate, HookOpMkdir,
	HookOpRemoveDir, HookOpUnlink, HookOpRename, HookOpLink, HookOpSymlink,
	HookOpReadlink, HookOpSetTimes, HookOpRead, HookOpWrite, HookOpClose,
	HookOpSync, HookOpTruncate, HookOpSetFdFlags,
}

type HookPhase string

const (
	HookPhaseBefore HookPhase = "before"
	HookPhaseAfter  HookPhase = "after"
)

type HookAction string

const (
	HookActionAllow       HookAction = "allow"
	HookActionBlock       HookAction = "block"
	HookActionMutateWrite HookAction = "mutate_write"
)

// HookRule is the declarative form of a Hook. ActionFunc, when set, decides
// per request and overrides Action.
type HookRule struct {
	Name        string
	Phase       HookPhase
	Ops         []HookOp
	PathPattern string
	Action      HookAction
	ActionFunc  func(ctx context.Context, req HookRequest) HookAction

	MutateWriteFunc MutateWriteFunc
	MutateWrite     []byte
}

// HookRequest describes one operation. Paths are absolute guest paths. Before
// hooks may rewrite Data for writes.
type HookRequest struct {
	Op      HookOp
	Path    string
	NewPath string
	Session string
	Open    OpenOptions
	Offset  uint64
	Data    []byte
}

type HookFileMeta struct {
	Size     uint64
	FileType FileType
	Inode    uint64
}

type HookResult struct {
	Err   error
	Bytes uint64
	Meta  *HookFileMeta
}

// MutateWriteFunc computes replacement bytes for a write operation.
// Returning an error fails the intercepted write.
type MutateWriteFunc func(ctx context.Context, req MutateWriteRequest) ([]byte, error)

type MutateWriteRequest struct {
	Path   string
	Offset uint64
	Size   int
}

type HookMatcher interface {
	Match(req *HookRequest) bool
}

// HookMatcherFunc adapts a function into HookMatcher. A nil func matches
// everything.
type HookMatcherFunc func(req *HookRequest) bool

func (f HookMatcherFunc) Match(req *HookRequest) bool {
	return f == nil || f(req)
}

// OpPathMatcher matches when the op is one of Ops (any op if empty) and the
// path matches PathPattern as a path.Match glob (any path if empty). A
// malformed pattern matches nothing.
type OpPathMatcher struct {
	Ops         []HookOp
	PathPattern string
}

func (m OpPathMatcher) Match(req *HookRequest) bool {
	if len(m.Ops) > 0 && !slices.Contains(m.Ops, req.Op) {
		return false
	}
	if m.PathPattern == "" {
		return true
	}
	ok, err := path.Match(m.PathPattern, req.Path)
	return err == nil && ok
}

type BeforeHookCallback interface {
	Before(ctx context.Context, req *HookRequest) error
}

type BeforeHookFunc func(ctx context.Context, req *HookRequest) error

func (f BeforeHookFunc) Before(ctx context.Context, req *HookRequest) error {
	if f == nil {
		return nil
	}
	return f(ctx, req)
}

type AfterHookCallback interface {
	After(ctx context.Context, req HookRequest, result HookResult)
}

type AfterHookFunc func(ctx context.Context, req HookRequest, result HookResult)

func (f AfterHookFunc) After(ctx context.Context, req HookRequest, result HookResult) {
	if f != nil {
		f(ctx, req, result)
	}
}

// Hook is a callback attached to one phase. Before hooks run inline and can
// veto the operation by returning an error. After hooks observe the result.
type Hook struct {
	Name    string
	Phase   HookPhase
	Matcher HookMatcher

	Before BeforeHookCallback
	After  AfterHookCallback

	// Async runs the after callback on the engine worker. Tasks are dropped
	// when the worker queue is full.
	Async bool
	// SideEffect suppresses this hook while another SideEffect hook is
	// running, so a hook that writes through the filesystem does not
	// trigger itself.
	SideEffect bool
}

func (hook Hook) matches(req *HookRequest) bool {
	return hook.Matcher == nil || hook.Matcher.Match(req)
}

type hookTask struct {
	hook   Hook
	req    HookRequest
	result HookResult
}

const hookQueueSize = 128

// HookEngine runs before hooks inline and after hooks inline or on a single
// worker, then reports every completed operation to the event func.
type HookEngine struct {
	before []Hook
	after  []Hook

	eventFn atomic.Pointer[func(HookRequest, HookResult)]

	sideEffectActive atomic.Bool

	queue    chan hookTask
	pending  sync.WaitGroup
	workerWg sync.WaitGroup
	closed   atomic.Bool
	once     sync.Once
}

// NewHookEngine compiles declarative rules into hooks. Rules with an allow
// action and no ActionFunc produce no hook.
func NewHookEngine(rules []HookRule) *HookEngine {
	hooks := make([]Hook, 0, len(rules))
	for _, rule := range rules {
		if hook, ok := ruleHook(rule); ok {
			hooks = append(hooks, hook)
		}
	}
	return NewHookEngineWithCallbacks(hooks)
}

func NewHookEngineWithCallbacks(hooks []Hook) *HookEngine {
	h := &HookEngine{queue: make(chan hookTask, hookQueueSize)}
	for _, hook := range hooks {
		switch {
		case parsePhase(hook.Phase) == HookPhaseAfter && hook.After != nil:
			h.after = append(h.after, hook)
		case parsePhase(hook.Phase) == HookPhaseBefore && hook.Before != nil:
			h.before = append(h.before, hook)
		}
	}

	h.workerWg.Add(1)
	go h.worker()
	return h
}

// SetEventFunc registers fn to receive every operation passed to After,
// including those no after hook matched. A nil fn stops reporting.
func (h *HookEngine) SetEventFunc(fn func(req HookRequest, result HookResult)) {
	if h == nil {
		return
	}
	if fn == nil {
		h.eventFn.Store(nil)
		return
	}
	h.eventFn.Store(&fn)
}

// Before cleans the request paths and runs matching before hooks in order.
// The first error aborts the operation.
func (h *HookEngine) Before(ctx context.Context, req *HookRequest) error {
	if h == nil || req == nil {
		return nil
	}
	if req.Path != "" {
		req.Path = path.Clean(req.Path)
	}
	if req.NewPath != "" {
		req.NewPath = path.Clean(req.NewPath)
	}

	for _, hook := range h.before {
		if !hook.matches(req) {
			continue
		}
		if err := hook.Before.Before(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (h *HookEngine) After(req HookRequest, result HookResult) {
	if h == nil || h.closed.Load() {
		return
	}

	for _, hook := range h.after {
		if !hook.matches(&req) {
			continue
		}
		if hook.SideEffect && h.sideEffectActive.Load() {
			continue
		}
		if hook.Async {
			h.enqueue(hookTask{hook: hook, req: req, result: result})
			continue
		}
		hook.After.After(context.Background(), req, result)
	}

	if fn := h.eventFn.Load(); fn != nil {
		(*fn)(req, result)
	}
}

func (h *HookEngine) enqueue(task hookTask) {
	h.pending.Add(1)
	select {
	case h.queue <- task:
	default:
		h.pending.Done()
	}
}

// Wait blocks until every queued async hook has run.
func (h *HookEngine) Wait() {
	if h != nil {
		h.pending.Wait()
	}
}

// Close drains queued async hooks and stops the worker. After returns
// immediately once Close has started.
func (h *HookEngine) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.closed.Store(true)
		h.pending.Wait()
		close(h.queue)
		h.workerWg.Wait()
	})
}

func (h *HookEngine) worker() {
	defer h.workerWg.Done()
	for task := range h.queue {
		h.runAsync(task)
		h.pending.Done()
	}
}

func (h *HookEngine) runAsync(task hookTask) {
	if task.hook.SideEffect {
		if !h.sideEffectActive.CompareAndSwap(false, true) {
			return
		}
		defer h.sideEffectActive.Store(false)
	}
	task.hook.After.After(context.Background(), task.req, task.result)
}

func ruleHook(rule HookRule) (Hook, bool) {
	hook := Hook{
		Name:    rule.Name,
		Phase:   parsePhase(rule.Phase),
		Matcher: OpPathMatcher{Ops: slices.Clone(rule.Ops), PathPattern: rule.PathPattern},
	}

	var before BeforeHookFunc
	switch {
	case rule.ActionFunc != nil:
		before = decideHook(rule.ActionFunc)
	case parseAction(rule.Action) == HookActionBlock:
		before = blockHook
	case parseAction(rule.Action) == HookActionMutateWrite:
		before = mutateWriteHook(rule.MutateWriteFunc, slices.Clone(rule.MutateWrite))
	default:
		return Hook{}, false
	}
	hook.Before = before
	return hook, true
}

func blockHook(ctx context.Context, req *HookRequest) error {
	return ErrReadOnly
}

func decideHook(decide func(ctx context.Context, req HookRequest) HookAction) BeforeHookFunc {
	return func(ctx context.Context, req *HookRequest) error {
		if parseAction(decide(ctx, *req)) == HookActionBlock {
			return ErrReadOnly
		}
		return nil
	}
}

// mutateWriteHook replaces write payloads with fn's result, or with data when
// fn is nil. An empty data leaves the payload unchanged.
func mutateWriteHook(fn MutateWriteFunc, data []byte) BeforeHookFunc {
	return func(ctx context.Context, req *HookRequest) error {
		if req.Op != HookOpWrite {
			return nil
		}
		if fn == nil {
			if len(data) > 0 {
				req.Data = slices.Clone(data)
			}
			return nil
		}
		mutated, err := fn(ctx, MutateWriteRequest{Path: req.Path, Offset: req.Offset, Size: len(req.Data)})
		if err != nil {
			return err
		}
		req.Data = slices.Clone(mutated)
		return nil
	}
}

// parsePhase defaults anything unrecognised to before. Strict validation of
// user input happens in the config layer.
func parsePhase(phase HookPhase) HookPhase {
	if strings.EqualFold(string(phase), string(HookPhaseAfter)) {
		return HookPhaseAfter
	}
	return HookPhaseBefore
}

func parseAction(action HookAction) HookAction {
	for _, a := range []HookAction{HookActionBlock, HookActionMutateWrite} {
		if strings.EqualFold(string(action), string(a)) {
			return a
		}
	}
	return HookActionAllow
}

type sessionKey struct{}

// WithSession tags ctx with the id of the client issuing filesystem calls.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func SessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
