package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbirch/weft/internal/blocks"
	"github.com/mbirch/weft/internal/idgen"
	"github.com/mbirch/weft/internal/logging"
	"github.com/mbirch/weft/internal/metrics"
	"github.com/mbirch/weft/internal/template"
	"github.com/mbirch/weft/internal/traces"
	"github.com/mbirch/weft/internal/workflow"
)

// DefaultNodeTimeout bounds a single handler's wall-clock time unless a
// per-block-type override is configured.
const DefaultNodeTimeout = 5 * time.Minute

// Engine drives workflow executions. One Run per execution; independent
// ready nodes execute in parallel up to the configured bound.
type Engine struct {
	store       Store
	registry    *blocks.Registry
	services    *blocks.Services
	logger      *slog.Logger
	parallelism int64
	nodeTimeout time.Duration
	timeouts    map[string]time.Duration // per-blockType overrides
	active      sync.Map                 // executionID → context.CancelFunc
	onLog       func(*LogEntry)
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallelism bounds how many ready nodes run concurrently per execution.
func WithParallelism(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithNodeTimeout sets the default per-node wall-clock timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithBlockTimeout overrides the timeout for one block type.
func WithBlockTimeout(blockType string, d time.Duration) Option {
	return func(e *Engine) { e.timeouts[blockType] = d }
}

// WithLogObserver registers a callback invoked for every execution log line,
// after it is persisted. The callback must not block.
func WithLogObserver(fn func(*LogEntry)) Option {
	return func(e *Engine) { e.onLog = fn }
}

// New creates an execution engine.
func New(store Store, registry *blocks.Registry, services *blocks.Services, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		registry:    registry,
		services:    services,
		logger:      logger,
		parallelism: 4,
		nodeTimeout: DefaultNodeTimeout,
		timeouts:    make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch validates the workflow, records a pending execution, and starts
// driving it on a background goroutine.
func (e *Engine) Dispatch(ctx context.Context, workflowID string, input map[string]any, userID string) (*Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:         idgen.WithPrefix("exec_"),
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     StatusPending,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	go func() {
		if err := e.Run(context.Background(), exec.ID); err != nil {
			e.logger.Error("execution run failed", "execution_id", exec.ID, "error", err)
		}
	}()

	return exec, nil
}

// Cancel signals a running execution to stop. In-flight handlers see the
// cancellation through their context; the execution finishes as failed with
// error "cancelled". Returns false if the execution is not running here.
func (e *Engine) Cancel(executionID string) bool {
	v, ok := e.active.Load(executionID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// Pause suspends a running execution. Already-launched nodes finish; no new
// nodes are scheduled. Pausing a paused execution is a no-op.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case StatusPaused:
		return nil
	case StatusRunning, StatusPending:
	default:
		return fmt.Errorf("%w: cannot pause %s execution", ErrInvalidStatus, exec.Status)
	}

	exec.Status = StatusPaused
	exec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendLog(ctx, executionID, "", LogWarn, "execution paused")
	return nil
}

// Resume re-enters a paused execution at its next ready frontier. Resuming
// an execution that is not paused is a no-op, which makes retries safe.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusPaused {
		return nil
	}

	exec.Status = StatusRunning
	exec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendLog(ctx, executionID, "", LogInfo, "execution resumed")

	go func() {
		if err := e.Run(context.Background(), executionID); err != nil {
			e.logger.Error("execution resume failed", "execution_id", executionID, "error", err)
		}
	}()
	return nil
}

type nodeResult struct {
	nodeID string
	output map[string]any
	err    error
}

// Run drives one execution to a terminal or paused state. It is idempotent:
// nodes with a durable completed record are not re-run, so resume picks up
// where the pause left off.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	log := e.logger.With("execution_id", executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return e.fail(ctx, exec, fmt.Sprintf("workflow load failed: %v", err))
	}
	if err := wf.Validate(); err != nil {
		return e.fail(ctx, exec, fmt.Sprintf("invalid workflow: %v", err))
	}
	order, err := wf.TopoOrder()
	if err != nil {
		return e.fail(ctx, exec, fmt.Sprintf("invalid workflow: %v", err))
	}

	ctx, span := traces.StartSpan(ctx, "engine.Run",
		traces.ExecutionID(executionID), traces.WorkflowID(wf.ID))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.active.Store(executionID, cancel)
	defer e.active.Delete(executionID)

	now := time.Now().UTC()
	exec.Status = StatusRunning
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	exec.UpdatedAt = now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendLog(ctx, executionID, "", LogInfo, fmt.Sprintf("execution started: workflow %s, %d nodes", wf.ID, len(wf.Nodes)))
	metrics.RunningExecutions.Inc()
	defer metrics.RunningExecutions.Dec()
	runStart := time.Now()

	// Seed completion state from durable node records (resume path).
	completed := make(map[string]bool)
	outputs := template.NewOrderedOutputs()
	prior, err := e.store.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return e.fail(ctx, exec, fmt.Sprintf("node state load failed: %v", err))
	}
	priorByNode := make(map[string]*NodeExecution, len(prior))
	for _, ne := range prior {
		priorByNode[ne.NodeID] = ne
	}
	for _, id := range order {
		if ne, ok := priorByNode[id]; ok && ne.Status == NodeCompleted {
			completed[id] = true
			outputs.Set(id, ne.Output)
		}
	}

	sem := semaphore.NewWeighted(e.parallelism)
	results := make(chan nodeResult)
	started := make(map[string]bool)
	for id := range completed {
		started[id] = true
	}

	inflight := 0
	failed := false
	paused := false
	var failErr string

	for {
		if runCtx.Err() != nil && !failed {
			failed = true
			failErr = "cancelled"
		}

		// Re-read status between frontiers so an external pause takes
		// effect before the next node launches.
		if !failed && !paused {
			if cur, err := e.store.GetExecution(ctx, executionID); err == nil && cur.Status == StatusPaused {
				paused = true
			}
		}

		if !failed && !paused {
			for _, id := range order {
				if started[id] {
					continue
				}
				ready := true
				for _, pred := range wf.Predecessors(id) {
					if !completed[pred] {
						ready = false
						break
					}
				}
				if !ready {
					continue
				}
				node := wf.Node(id)
				snapshot := ancestorOutputs(wf, id, order, completed, outputs)
				started[id] = true
				inflight++
				go func(n workflow.Node, snap *template.OrderedOutputs) {
					out, err := e.runNode(runCtx, sem, exec, n, snap)
					results <- nodeResult{nodeID: n.ID, output: out, err: err}
				}(*node, snapshot)
			}
		}

		if inflight == 0 {
			break
		}

		r := <-results
		inflight--
		if r.err != nil {
			if !failed && !errors.Is(r.err, context.Canceled) {
				failed = true
				failErr = fmt.Sprintf("node %s failed: %v", r.nodeID, r.err)
			} else if !failed {
				failed = true
				failErr = "cancelled"
			}
			continue
		}
		completed[r.nodeID] = true
		outputs.Set(r.nodeID, r.output)
	}

	finished := time.Now().UTC()
	exec.UpdatedAt = finished

	switch {
	case paused && !failed:
		log.Info("execution paused at frontier", "completed_nodes", len(completed))
		return nil

	case failed:
		exec.Status = StatusFailed
		exec.Error = failErr
		exec.FinishedAt = &finished
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			log.Error("CRITICAL: failed to persist failed execution", "error", err)
			return err
		}
		e.appendLog(ctx, executionID, "", LogError, "execution failed: "+failErr)
		metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		metrics.ExecutionDuration.Observe(time.Since(runStart).Seconds())
		return nil

	default:
		// Final output is the last topo node's output.
		if out, ok := outputs.Get(order[len(order)-1]); ok {
			exec.Output = out
		}
		exec.Status = StatusCompleted
		exec.FinishedAt = &finished
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			log.Error("CRITICAL: failed to persist completed execution", "error", err)
			return err
		}
		e.appendLog(ctx, executionID, "", LogInfo, "execution completed")
		metrics.ExecutionsTotal.WithLabelValues("completed").Inc()
		metrics.ExecutionDuration.Observe(time.Since(runStart).Seconds())
		log.Info("execution completed", "nodes", len(order), "duration", time.Since(runStart))
		return nil
	}
}

// ancestorOutputs builds the deterministic view a node's handler sees: the
// outputs of exactly its ancestors, in topological order. Non-ancestor nodes
// that happen to have finished are excluded so the view does not depend on
// scheduling timing.
func ancestorOutputs(wf *workflow.Workflow, nodeID string, order []string, completed map[string]bool, outputs *template.OrderedOutputs) *template.OrderedOutputs {
	anc := wf.Ancestors(nodeID)
	snap := template.NewOrderedOutputs()
	for _, id := range order {
		if anc[id] && completed[id] {
			if out, ok := outputs.Get(id); ok {
				snap.Set(id, out)
			}
		}
	}
	return snap
}

// runNode executes one node: durable running record, template resolution,
// schema check, handler dispatch under a per-block-type timeout, durable
// terminal record. The returned output is only visible to dependents after
// the completed record is written.
func (e *Engine) runNode(ctx context.Context, sem *semaphore.Weighted, exec *Execution, node workflow.Node, outputs *template.OrderedOutputs) (map[string]any, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	ctx, span := traces.StartSpan(ctx, "engine.runNode",
		traces.NodeID(node.ID), traces.BlockType(node.BlockType))
	defer span.End()

	log := e.logger.With("execution_id", exec.ID, "node_id", node.ID, "block_type", node.BlockType)
	start := time.Now().UTC()

	ne := &NodeExecution{
		ID:          idgen.WithPrefix("nx_"),
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		BlockType:   node.BlockType,
		Status:      NodeRunning,
		StartedAt:   start,
	}
	if err := e.store.UpsertNodeExecution(ctx, ne); err != nil {
		return nil, fmt.Errorf("persist node start: %w", err)
	}
	e.appendLog(ctx, exec.ID, node.ID, LogInfo, "node started")

	out, err := e.invokeHandler(ctx, exec, node, outputs, log)

	finished := time.Now().UTC()
	ne.FinishedAt = &finished
	metrics.NodeExecutionDuration.WithLabelValues(node.BlockType).Observe(finished.Sub(start).Seconds())

	if err != nil {
		ne.Status = NodeFailed
		ne.Error = err.Error()
		if perr := e.store.UpsertNodeExecution(ctx, ne); perr != nil {
			log.Error("CRITICAL: failed to persist node failure", "error", perr)
		}
		e.appendLog(ctx, exec.ID, node.ID, LogError, "node failed: "+err.Error())
		metrics.NodeExecutionsTotal.WithLabelValues(node.BlockType, "failed").Inc()
		log.Warn("node failed", "error", err)
		return nil, err
	}

	ne.Status = NodeCompleted
	ne.Output = out
	if perr := e.store.UpsertNodeExecution(ctx, ne); perr != nil {
		// Dependents must not run against an unpersisted output.
		log.Error("CRITICAL: failed to persist node completion", "error", perr)
		return nil, fmt.Errorf("persist node completion: %w", perr)
	}
	e.appendLog(ctx, exec.ID, node.ID, LogInfo, "node completed")
	metrics.NodeExecutionsTotal.WithLabelValues(node.BlockType, "completed").Inc()
	return out, nil
}

func (e *Engine) invokeHandler(ctx context.Context, exec *Execution, node workflow.Node, outputs *template.OrderedOutputs, log *slog.Logger) (map[string]any, error) {
	handler, err := e.registry.Get(node.BlockType)
	if err != nil {
		return nil, err
	}

	tctx := &template.Context{
		Outputs: outputs,
		Vars: map[string]any{
			"executionId": exec.ID,
			"workflowId":  exec.WorkflowID,
			"userId":      exec.UserID,
		},
	}
	resolved, err := resolveConfig(node.Config, exec.Input, tctx)
	if err != nil {
		return nil, blocks.Wrap(blocks.KindTemplateMalformed, err, "config template resolution failed")
	}
	node.Config = resolved

	if cv, ok := handler.(blocks.ConfigValidator); ok {
		if err := cv.ValidateConfig(resolved); err != nil {
			return nil, err
		}
	}

	ec := &blocks.ExecContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Data:        exec.Input,
		Outputs:     outputs,
		Vars:        tctx.Vars,
		Services:    e.services,
		Logger:      log,
	}

	timeout := e.nodeTimeout
	if t, ok := e.timeouts[node.BlockType]; ok {
		timeout = t
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := handler.Execute(nodeCtx, node, ec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, blocks.Wrap(blocks.KindHandlerTimeout, err, "handler exceeded %s", timeout)
		}
		return nil, err
	}
	return out, nil
}

// resolveConfig walks a node config recursively, passing string values with
// template markers through the interpolator and everything else unchanged.
func resolveConfig(config map[string]any, data map[string]any, tctx *template.Context) (map[string]any, error) {
	v, err := resolveValue(config, data, tctx)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func resolveValue(v any, data map[string]any, tctx *template.Context) (any, error) {
	switch t := v.(type) {
	case string:
		if !containsMarker(t) {
			return t, nil
		}
		return template.Interpolate(t, data, tctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := resolveValue(val, data, tctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := resolveValue(val, data, tctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func containsMarker(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			return true
		}
	}
	return false
}

// fail marks an execution failed before any node ran.
func (e *Engine) fail(ctx context.Context, exec *Execution, msg string) error {
	now := time.Now().UTC()
	exec.Status = StatusFailed
	exec.Error = msg
	exec.FinishedAt = &now
	exec.UpdatedAt = now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.appendLog(ctx, exec.ID, "", LogError, "execution failed: "+msg)
	metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
	return nil
}

// appendLog writes an execution log line. Logging failures are swallowed;
// they must never fail the execution itself.
func (e *Engine) appendLog(ctx context.Context, executionID, nodeID string, level LogLevel, msg string) {
	entry := &LogEntry{
		ID:          idgen.WithPrefix("log_"),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     msg,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("execution log write failed", "execution_id", executionID, "error", err)
	}
	if e.onLog != nil {
		e.onLog(entry)
	}
}
