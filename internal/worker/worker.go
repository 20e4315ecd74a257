// Package worker implements the worker process supervisor (C7): it spawns
// an MCP worker process, waits for a ready sentinel on stderr, and exposes
// the worker's stdio as a request/reply JSON-RPC channel (spec §4.7).
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/mcprpc"
	routingerrors "github.com/relaymux/relaymux/pkg/errors"
)

// Lifecycle is a worker's state, per spec §3 "Worker".
type Lifecycle int

const (
	Starting Lifecycle = iota
	Ready
	Busy
	Draining
	Dead
)

func (l Lifecycle) String() string {
	switch l {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config configures how a worker process is spawned and supervised.
type Config struct {
	Command string
	Args    []string

	// ReadySentinel is the literal token the worker must print on stderr
	// before it is considered Ready. Default "MCP_RAG_READY".
	ReadySentinel string
	StartupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ReadySentinel: "MCP_RAG_READY", StartupTimeout: 15 * time.Second}
}

// ExitNotifier is invoked when a worker's process exits unexpectedly
// (i.e. not as part of a requested Kill), so the pool can launch a
// replacement.
type ExitNotifier func(w *Worker, err error)

// Worker supervises one MCP worker process.
type Worker struct {
	ID   string
	cfg  Config
	cmd  *exec.Cmd
	logger *zap.Logger

	Encoder *mcprpc.Encoder
	Decoder *mcprpc.Decoder

	mu        sync.Mutex
	lifecycle Lifecycle
	inFlight  int
	failures  int
	startedAt time.Time
	lastHeartbeat time.Time

	onExit ExitNotifier

	killRequested bool
}

// Spawn starts the worker process and blocks until the ready sentinel
// appears on stderr, the startup timeout elapses, or ctx is cancelled. A
// process that exits before printing the sentinel is reported only when
// the startup timeout elapses. The returned Worker's Encoder/Decoder are
// only valid once this returns successfully.
func Spawn(ctx context.Context, id string, cfg Config, logger *zap.Logger, onExit ExitNotifier) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadySentinel == "" {
		cfg.ReadySentinel = "MCP_RAG_READY"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 15 * time.Second
	}

	cmd := exec.CommandContext(context.Background(), cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, routingerrors.Wrap("worker", routingerrors.WorkerStartupFailed, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, routingerrors.Wrap("worker", routingerrors.WorkerStartupFailed, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, routingerrors.Wrap("worker", routingerrors.WorkerStartupFailed, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, routingerrors.Wrap("worker", routingerrors.WorkerStartupFailed, "start process", err)
	}

	w := &Worker{
		ID:        id,
		cfg:       cfg,
		cmd:       cmd,
		logger:    logger.With(zap.String("worker", id)),
		lifecycle: Starting,
		startedAt: time.Now(),
		Encoder:   mcprpc.NewEncoder(stdin),
		Decoder:   mcprpc.NewDecoder(stdout),
		onExit:    onExit,
	}

	readyCh := make(chan struct{})
	go w.watchStderr(stderr, readyCh)

	select {
	case <-readyCh:
		w.mu.Lock()
		w.lifecycle = Ready
		w.lastHeartbeat = time.Now()
		w.mu.Unlock()
	case <-time.After(cfg.StartupTimeout):
		w.killLocked("startup timeout")
		return nil, routingerrors.New("worker", routingerrors.WorkerStartupFailed,
			fmt.Sprintf("worker %s did not signal ready within %s", id, cfg.StartupTimeout))
	case <-ctx.Done():
		w.killLocked("context cancelled during startup")
		return nil, ctx.Err()
	}

	go w.waitExit()

	return w, nil
}

// watchStderr scans for the ready sentinel; every other line is logged and
// dropped, per spec §4.7 ("other stderr is logged, not parsed").
func (w *Worker) watchStderr(stderr io.Reader, readyCh chan struct{}) {
	scanner := bufio.NewScanner(stderr)
	signaled := false
	for scanner.Scan() {
		line := scanner.Text()
		if !signaled && line == w.cfg.ReadySentinel {
			signaled = true
			close(readyCh)
			continue
		}
		w.logger.Debug("worker stderr", zap.String("line", line))
	}
}

func (w *Worker) waitExit() {
	err := w.cmd.Wait()

	w.mu.Lock()
	requested := w.killRequested
	w.lifecycle = Dead
	w.mu.Unlock()

	if !requested && w.onExit != nil {
		w.onExit(w, err)
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() Lifecycle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lifecycle
}

// SetState transitions the worker's lifecycle (owned by the pool's
// dispatch logic).
func (w *Worker) SetState(l Lifecycle) {
	w.mu.Lock()
	w.lifecycle = l
	w.mu.Unlock()
}

// InFlight returns the current in-flight request count.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// IncInFlight and DecInFlight track the worker's concurrency against its
// per-worker cap (enforced by the pool's dispatcher).
func (w *Worker) IncInFlight() {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
}

func (w *Worker) DecInFlight() {
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	w.mu.Unlock()
}

// RecordFailure increments the worker's failure counter and returns the
// new count, for the pool's worker-level circuit breaker (spec §4.8).
func (w *Worker) RecordFailure() int {
	w.mu.Lock()
	w.failures++
	n := w.failures
	w.mu.Unlock()
	return n
}

// ResetFailures clears the failure counter after a successful call.
func (w *Worker) ResetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// Age reports how long the worker has been running.
func (w *Worker) Age() time.Duration {
	return time.Since(w.startedAt)
}

// Kill requests termination of the underlying process. Safe to call more
// than once.
func (w *Worker) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killLocked("explicit kill")
}

func (w *Worker) killLocked(reason string) {
	if w.killRequested {
		return
	}
	w.killRequested = true
	w.logger.Info("killing worker", zap.String("reason", reason))
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}
