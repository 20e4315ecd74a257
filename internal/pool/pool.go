// Package pool implements the MCP server pool / multiplexer (C8): a FIFO
// admission queue, least-connections dispatch across a dynamically sized
// set of worker processes, and an auto-scaling controller (spec §4.8).
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/mcprpc"
	"github.com/relaymux/relaymux/internal/worker"
	routingerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Config holds the pool's tunables, with spec §4.8's stated defaults.
type Config struct {
	MinInstances           int
	MaxInstances           int
	MaxConcurrentPerWorker int
	RequestTimeout         time.Duration
	ScaleUpThreshold       float64
	ScaleDownThreshold     float64
	ScaleCooldown          time.Duration
	ScaleTick              time.Duration
	QueueLimit             int
	OrphanGrace            time.Duration
	ShutdownGrace          time.Duration

	WorkerBreaker breaker.Config
	Worker        worker.Config
}

func DefaultConfig() Config {
	maxConcurrentPerWorker := 3
	maxInstances := 6
	return Config{
		MinInstances:           2,
		MaxInstances:           maxInstances,
		MaxConcurrentPerWorker: maxConcurrentPerWorker,
		RequestTimeout:         90 * time.Second,
		ScaleUpThreshold:       0.8,
		ScaleDownThreshold:     0.3,
		ScaleCooldown:          30 * time.Second,
		ScaleTick:              10 * time.Second,
		QueueLimit:             10 * maxConcurrentPerWorker * maxInstances,
		OrphanGrace:            5 * time.Second,
		ShutdownGrace:          10 * time.Second,
		WorkerBreaker:          breaker.DefaultConfig(),
		Worker:                 worker.DefaultConfig(),
	}
}

// workerConn pairs a supervised worker process with the pool's
// per-worker bookkeeping: its circuit breaker, EWMA latency, and the
// in-flight reply correlation table for its stdio stream.
type workerConn struct {
	w       *worker.Worker
	breaker *breaker.Breaker

	mu          sync.Mutex
	ewmaLatency time.Duration
	pending     map[string]*pendingCall
}

type pendingCall struct {
	id       string
	resultCh chan callResult
	orphaned bool
}

type callResult struct {
	resp *mcprpc.Response
	err  error
}

// Recorder receives pool observations for C9.
type Recorder interface {
	ObserveQueueWait(d time.Duration)
	ObserveDispatchLatency(adapter string, d time.Duration)
	ObserveOverloadRejection()
	ObserveScaleEvent(up bool)
	ObserveWorkerStartup(d time.Duration)
}

// Pool maintains the worker set, admission queue, and scaling controller.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	workers map[string]*workerConn
	rrNext  int

	idRewriter mcprpc.IDRewriter

	queueCh     chan *pendingRequest
	queueLen    int32
	capacityCh  chan struct{}

	lastScale time.Time
	runCtx    context.Context

	recorder Recorder

	shutdownOnce sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup

	nextWorkerID int64
}

type pendingRequest struct {
	ctx        context.Context
	req        *mcprpc.Request
	enqueued   time.Time
	resultCh   chan callResult
	reassigned bool
}

// New builds an empty Pool. Call Start to spin up the minimum worker set
// and background loops.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10 * cfg.MaxConcurrentPerWorker * cfg.MaxInstances
	}
	return &Pool{
		cfg:        cfg,
		logger:     logger,
		workers:    make(map[string]*workerConn),
		queueCh:    make(chan *pendingRequest, cfg.QueueLimit),
		capacityCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

func (p *Pool) SetRecorder(rec Recorder) { p.recorder = rec }

// Start spawns minInstances workers and launches the dispatcher and
// auto-scaling loop. Call Shutdown to reverse this.
func (p *Pool) Start(ctx context.Context) error {
	p.runCtx = ctx
	for i := 0; i < p.cfg.MinInstances; i++ {
		if _, err := p.spawnWorker(ctx); err != nil {
			return err
		}
	}

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.dispatchLoop(ctx) }()
	go func() { defer p.wg.Done(); p.scaleLoop(ctx) }()
	return nil
}

func (p *Pool) spawnWorker(ctx context.Context) (*workerConn, error) {
	id := fmt.Sprintf("worker-%d", atomic.AddInt64(&p.nextWorkerID, 1))
	start := time.Now()

	w, err := worker.Spawn(ctx, id, p.cfg.Worker, p.logger, p.onWorkerExit)
	if err != nil {
		return nil, routingerrors.Wrap("pool", routingerrors.WorkerStartupFailed, "spawn worker", err)
	}
	if p.recorder != nil {
		p.recorder.ObserveWorkerStartup(time.Since(start))
	}

	conn := &workerConn{
		w:       w,
		breaker: breaker.New(id, p.cfg.WorkerBreaker),
		pending: make(map[string]*pendingCall),
	}

	p.mu.Lock()
	p.workers[id] = conn
	p.mu.Unlock()

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.readLoop(conn) }()

	p.notifyCapacity()
	return conn, nil
}

// onWorkerExit is invoked by the supervisor when a worker dies without an
// explicit Kill. Its in-flight calls are failed and a replacement is
// spawned if the pool is below minInstances and not shutting down.
func (p *Pool) onWorkerExit(w *worker.Worker, err error) {
	p.mu.Lock()
	conn, ok := p.workers[w.ID]
	if ok {
		delete(p.workers, w.ID)
	}
	belowMin := len(p.workers) < p.cfg.MinInstances
	p.mu.Unlock()

	if !ok {
		return
	}

	conn.mu.Lock()
	pending := conn.pending
	conn.pending = nil
	conn.mu.Unlock()
	for _, call := range pending {
		call.resultCh <- callResult{err: routingerrors.New("pool", routingerrors.WorkerCrashed, "worker exited mid-request")}
	}

	p.logger.Warn("worker exited unexpectedly", zap.String("worker", w.ID), zap.Error(err))

	select {
	case <-p.stopCh:
		return
	default:
	}
	if belowMin {
		if _, spawnErr := p.spawnWorker(context.Background()); spawnErr != nil {
			p.logger.Error("failed to replace crashed worker", zap.Error(spawnErr))
		}
	}
}

// readLoop continuously decodes replies from one worker's stdout and
// correlates them back to the caller via the rewritten id.
func (p *Pool) readLoop(conn *workerConn) {
	for {
		var resp mcprpc.Response
		if err := conn.w.Decoder.Next(&resp); err != nil {
			return // worker exited or pipe closed; onWorkerExit handles cleanup
		}

		id := string(resp.ID)
		conn.mu.Lock()
		call, ok := conn.pending[id]
		if ok {
			delete(conn.pending, id)
		}
		conn.mu.Unlock()
		if !ok {
			continue // reply for an orphaned/already-resolved call
		}

		conn.w.DecInFlight()
		conn.breaker.Done(resp.Error == nil, resp.Error != nil)
		if resp.Error == nil {
			conn.w.ResetFailures()
		} else {
			conn.w.RecordFailure()
		}

		respCopy := resp
		call.resultCh <- callResult{resp: &respCopy}
		p.notifyCapacity()
	}
}

func (p *Pool) notifyCapacity() {
	select {
	case p.capacityCh <- struct{}{}:
	default:
	}
}

// Submit admits req into the FIFO queue and blocks until a reply is
// available, the request's deadline passes, or the pool is overloaded.
func (p *Pool) Submit(ctx context.Context, req *mcprpc.Request) (*mcprpc.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, routingerrors.New("pool", routingerrors.DeadlineExceeded, "deadline already passed")
	}

	select {
	case <-p.stopCh:
		return nil, routingerrors.New("pool", routingerrors.Overloaded, "pool is shutting down")
	default:
	}

	if atomic.LoadInt32(&p.queueLen) >= int32(p.cfg.QueueLimit) {
		if p.recorder != nil {
			p.recorder.ObserveOverloadRejection()
		}
		return nil, routingerrors.New("pool", routingerrors.Overloaded, "admission queue full")
	}

	pr := &pendingRequest{ctx: ctx, req: req, enqueued: time.Now(), resultCh: make(chan callResult, 1)}

	atomic.AddInt32(&p.queueLen, 1)
	select {
	case p.queueCh <- pr:
	default:
		atomic.AddInt32(&p.queueLen, -1)
		if p.recorder != nil {
			p.recorder.ObserveOverloadRejection()
		}
		return nil, routingerrors.New("pool", routingerrors.Overloaded, "admission queue full")
	}

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		return nil, routingerrors.New("pool", routingerrors.DeadlineExceeded, "request deadline exceeded")
	}
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case pr := <-p.queueCh:
			atomic.AddInt32(&p.queueLen, -1)
			if p.recorder != nil {
				p.recorder.ObserveQueueWait(time.Since(pr.enqueued))
			}
			p.dispatchOne(ctx, pr)
		}
	}
}

// dispatchOne blocks (this dispatcher goroutine only — other requests'
// network I/O proceeds independently) until a worker has capacity or the
// request's own deadline passes.
func (p *Pool) dispatchOne(ctx context.Context, pr *pendingRequest) {
	for {
		if err := pr.ctx.Err(); err != nil {
			pr.resultCh <- callResult{err: routingerrors.New("pool", routingerrors.DeadlineExceeded, "request deadline exceeded")}
			return
		}

		conn, ok := p.pickWorker()
		if ok {
			p.sendToWorker(conn, pr)
			return
		}

		select {
		case <-pr.ctx.Done():
			pr.resultCh <- callResult{err: routingerrors.New("pool", routingerrors.DeadlineExceeded, "request deadline exceeded")}
			return
		case <-ctx.Done():
			return
		case <-p.capacityCh:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// pickWorker selects the eligible worker (Ready or Busy, breaker
// Closed/HalfOpen, under its concurrency cap) with the fewest in-flight
// requests, breaking ties by lowest EWMA latency then round-robin. The
// winning worker's in-flight count is reserved before returning.
func (p *Pool) pickWorker() (*workerConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	type scored struct {
		conn *workerConn
		name string
	}
	var candidates []scored
	for name, conn := range p.workers {
		state := conn.w.State()
		if state != worker.Ready && state != worker.Busy {
			continue
		}
		if conn.w.InFlight() >= p.cfg.MaxConcurrentPerWorker {
			continue
		}
		allowed, _ := conn.breaker.Allow()
		if !allowed {
			continue
		}
		candidates = append(candidates, scored{conn: conn, name: name})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	// Scan in name order rotated by rrNext so that, among workers tied on
	// in-flight count and EWMA latency, successive picks take turns.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].name < candidates[j].name })
	start := p.rrNext % len(candidates)
	best := candidates[start]
	for k := 1; k < len(candidates); k++ {
		c := candidates[(start+k)%len(candidates)]
		if better(c.conn, best.conn) {
			best = c
		}
	}
	best.conn.w.IncInFlight()
	best.conn.w.SetState(worker.Busy)
	p.rrNext++
	return best.conn, true
}

func better(a, b *workerConn) bool {
	ai, bi := a.w.InFlight(), b.w.InFlight()
	if ai != bi {
		return ai < bi
	}
	a.mu.Lock()
	aLat := a.ewmaLatency
	a.mu.Unlock()
	b.mu.Lock()
	bLat := b.ewmaLatency
	b.mu.Unlock()
	return aLat < bLat
}

func (p *Pool) sendToWorker(conn *workerConn, pr *pendingRequest) {
	id := string(p.idRewriter.Next())
	call := &pendingCall{id: id, resultCh: make(chan callResult, 1)}

	conn.mu.Lock()
	conn.pending[id] = call
	conn.mu.Unlock()

	rewritten := *pr.req
	rewritten.ID = json.RawMessage(id)

	start := time.Now()
	if err := conn.w.Encoder.Encode(rewritten); err != nil {
		conn.mu.Lock()
		delete(conn.pending, id)
		conn.mu.Unlock()
		conn.w.DecInFlight()
		pr.resultCh <- callResult{err: routingerrors.Wrap("pool", routingerrors.WorkerCrashed, "write to worker failed", err)}
		return
	}

	go p.awaitReply(conn, call, pr, start)
}

// awaitReply bridges the worker-keyed pendingCall to the caller's
// pendingRequest, honoring deadlines and the orphan grace window so a
// cancelled caller never leaks the worker's in-flight slot (spec §5).
func (p *Pool) awaitReply(conn *workerConn, call *pendingCall, pr *pendingRequest, start time.Time) {
	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		if res.err != nil && !pr.reassigned {
			// The worker died before replying. Reassign once to a
			// sibling under the same deadline (spec §4.8); only a
			// second failure surfaces to the caller.
			pr.reassigned = true
			p.dispatchOne(p.runCtx, pr)
			return
		}

		latency := time.Since(start)
		conn.mu.Lock()
		alpha := 0.3
		if conn.ewmaLatency == 0 {
			conn.ewmaLatency = latency
		} else {
			conn.ewmaLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(conn.ewmaLatency))
		}
		conn.mu.Unlock()
		pr.resultCh <- res
		p.restoreWorkerState(conn)

	case <-pr.ctx.Done():
		p.orphan(conn, call)
		pr.resultCh <- callResult{err: routingerrors.New("pool", routingerrors.DeadlineExceeded, "request deadline exceeded")}

	case <-timer.C:
		p.orphan(conn, call)
		pr.resultCh <- callResult{err: routingerrors.New("pool", routingerrors.DeadlineExceeded, "worker reply timed out")}
	}
}

// orphan marks a call as abandoned by its caller: the worker's in-flight
// slot is held for OrphanGrace so a late reply is still correlated and
// decremented exactly once, then force-released.
func (p *Pool) orphan(conn *workerConn, call *pendingCall) {
	conn.mu.Lock()
	if _, ok := conn.pending[call.id]; !ok {
		conn.mu.Unlock()
		return // reply already arrived and was processed by readLoop
	}
	call.orphaned = true
	conn.mu.Unlock()

	grace := p.cfg.OrphanGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	go func() {
		select {
		case <-call.resultCh:
			// late reply drained so readLoop's send never blocks forever
		case <-time.After(grace):
			conn.mu.Lock()
			delete(conn.pending, call.id)
			conn.mu.Unlock()
			conn.w.DecInFlight()
			p.restoreWorkerState(conn)
		}
	}()
}

func (p *Pool) restoreWorkerState(conn *workerConn) {
	if conn.w.State() != worker.Draining && conn.w.InFlight() < p.cfg.MaxConcurrentPerWorker {
		conn.w.SetState(worker.Ready)
	}
	p.notifyCapacity()
}

// Size returns the number of workers currently tracked (any lifecycle
// except Dead).
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Snapshot reports ready/busy/queued counts for GET /health.
type Snapshot struct {
	Ready  int
	Busy   int
	Queued int
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s Snapshot
	for _, conn := range p.workers {
		switch conn.w.State() {
		case worker.Ready:
			s.Ready++
		case worker.Busy:
			s.Busy++
		}
	}
	s.Queued = int(atomic.LoadInt32(&p.queueLen))
	return s
}

// Shutdown stops admission, waits up to ShutdownGrace for in-flight work
// to drain, then force-kills every remaining worker.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.stopCh)

		grace := p.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		deadline := time.Now().Add(grace)

		for time.Now().Before(deadline) {
			if p.totalInFlight() == 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		p.mu.Lock()
		workers := make([]*workerConn, 0, len(p.workers))
		for _, c := range p.workers {
			workers = append(workers, c)
		}
		p.mu.Unlock()

		for _, c := range workers {
			c.w.Kill()
		}
	})
	return err
}

func (p *Pool) totalInFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, c := range p.workers {
		total += c.w.InFlight()
	}
	return total
}
