// Package publisher implements StreamPublisher: a single long-running
// transmuxer subprocess that receives successive RemuxedOutputs over a
// chunked stdin stream and republishes them to an RTMP or SRT origin,
// reconnecting on helper death and enforcing a bounded on-disk retention
// window.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/streamforge/live-media-service/internal/circuitbreaker"
	"github.com/streamforge/live-media-service/internal/ffmpeg"
	"github.com/streamforge/live-media-service/internal/models"
	"github.com/streamforge/live-media-service/internal/storage"
)

// State is one of StreamPublisher's state machine states.
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePublishing
	StateReconnecting
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StatePublishing:
		return "publishing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mode selects the publish transport.
type Mode string

const (
	ModeRTMP Mode = "rtmp"
	ModeSRT  Mode = "srt"
)

// Config configures one StreamPublisher session.
type Config struct {
	FFmpegPath string
	Mode       Mode
	PublishURL string // base URL; the stream id is appended by the caller

	ChunkSize            int64
	RateLimitBps         int64
	UseRateLimit         bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	StopGrace            time.Duration
	MaxSegmentsToKeep    int
	CleanupSafetyBuffer  int
	EnableCleanup        bool
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20 // 1 MiB
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModeRTMP
	}
	return c
}

// Callbacks receives StreamPublisher's emitted events. Any field left nil
// is simply not invoked.
type Callbacks struct {
	OnStarted           func()
	OnFragmentComplete  func(batchNumber, totalChunks int, totalBytes int64)
	OnFragmentPublished func(batchNumber int)
	OnReconnecting      func(attempt int)
	OnReconnected       func()
	OnStopped           func()
	OnError             func(error)
}

// job is one enqueued publishFragment call, serialized through queue.
type job struct {
	fragment *models.RemuxedOutput
	result   chan error
}

// Publisher sustains a single long-running transmuxer subprocess across
// one stream's lifetime, per §4.5.
type Publisher struct {
	streamID  models.StreamId
	cfg       Config
	storage   *storage.Service
	breaker   *circuitbreaker.CircuitBreaker
	callbacks Callbacks
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	cmd     *ffmpeg.Command
	stdin   io.WriteCloser
	exited  chan error // set by spawnHelper each (re)spawn; signals helper exit
	monitor *ffmpeg.ProcessMonitor

	queueMu sync.Mutex
	queue   chan *job

	publishedMu sync.Mutex
	published   []int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher for one stream session. The circuit breaker
// gating reconnection is scoped to this instance and reset on Start.
func New(streamID models.StreamId, cfg Config, store *storage.Service, callbacks Callbacks, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.CircuitBreakerConfig{
		FailureThreshold: cfg.MaxReconnectAttempts,
		SuccessThreshold: 1,
		Timeout:          cfg.ReconnectDelay,
	})

	return &Publisher{
		streamID:  streamID,
		cfg:       cfg,
		storage:   store,
		breaker:   breaker,
		callbacks: callbacks,
		logger:    logger.With("component", "publisher", "streamId", string(streamID)),
		state:     StateIdle,
	}
}

// State returns the current state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PublishedWindow returns the batch numbers currently retained on disk.
func (p *Publisher) PublishedWindow() models.PublishedWindow {
	p.publishedMu.Lock()
	defer p.publishedMu.Unlock()
	nums := make([]int, len(p.published))
	copy(nums, p.published)
	return models.PublishedWindow{StreamId: p.streamID, BatchNumbers: nums}
}

// Start spawns the publisher helper and begins accepting fragments.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle && p.state != StateFailed {
		p.mu.Unlock()
		return fmt.Errorf("publisher already started")
	}
	p.state = StateStarting
	p.mu.Unlock()

	p.breaker.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.queueMu.Lock()
	p.queue = make(chan *job, 32)
	p.queueMu.Unlock()

	if err := p.spawnHelper(runCtx); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("starting publisher helper: %w", err)
	}

	p.setState(StatePublishing)
	if p.callbacks.OnStarted != nil {
		p.callbacks.OnStarted()
	}

	go p.runQueue(runCtx)
	return nil
}

// Stop ends the stdin stream, waits up to Config.StopGrace for the helper
// to exit, then force-terminates.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	cmd := p.cmd
	stdin := p.stdin
	monitor := p.monitor
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil {
		waitWithTimeout(cmd, p.cfg.StopGrace, p.logger)
	}
	if monitor != nil {
		monitor.Stop()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-time.After(p.cfg.StopGrace):
		}
	}

	p.setState(StateIdle)
	if p.callbacks.OnStopped != nil {
		p.callbacks.OnStopped()
	}
}

// PublishFragment enqueues frag for chunked streaming and blocks until
// that fragment's delivery succeeds, fails terminally, or the context is
// canceled. Safe to call concurrently; delivery is totally ordered by
// enqueue order.
func (p *Publisher) PublishFragment(ctx context.Context, frag *models.RemuxedOutput) error {
	p.queueMu.Lock()
	q := p.queue
	p.queueMu.Unlock()
	if q == nil {
		return fmt.Errorf("publisher not started")
	}

	j := &job{fragment: frag, result: make(chan error, 1)}
	select {
	case q <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) runQueue(ctx context.Context) {
	defer close(p.done)

	for {
		p.mu.Lock()
		exited := p.exited
		p.mu.Unlock()

		p.queueMu.Lock()
		q := p.queue
		p.queueMu.Unlock()

		select {
		case <-ctx.Done():
			return

		case err := <-exited:
			p.mu.Lock()
			publishing := p.state == StatePublishing
			p.mu.Unlock()
			if !publishing {
				continue
			}
			p.logger.Warn("publisher helper exited unexpectedly", "error", err)
			if rerr := p.reconnect(ctx); rerr != nil {
				return
			}

		case j, ok := <-q:
			if !ok {
				return
			}
			p.processJob(ctx, j)
		}
	}
}

func (p *Publisher) processJob(ctx context.Context, j *job) {
	exists, err := p.storage.Exists(j.fragment.OutputPath)
	if err != nil || !exists {
		err := fmt.Errorf("published fragment missing: %s", j.fragment.OutputPath)
		p.emitError(err)
		j.result <- err
		return
	}

	streamErr := p.streamFragment(ctx, j.fragment)
	if streamErr == nil {
		p.recordPublished(j.fragment.BatchNumber)
		if p.callbacks.OnFragmentPublished != nil {
			p.callbacks.OnFragmentPublished(j.fragment.BatchNumber)
		}
		p.cleanupIfNeeded()
		j.result <- nil
		return
	}

	if ctx.Err() != nil {
		j.result <- ctx.Err()
		return
	}

	if !isReconnectable(streamErr) {
		p.emitError(streamErr)
		j.result <- streamErr
		return
	}

	p.setState(StateReconnecting)
	if rerr := p.reconnect(ctx); rerr != nil {
		j.result <- rerr
		return
	}

	// No replay of the fragment that triggered the reconnect: the caller
	// observes this one delivery as failed, per §4.5's no-replay policy.
	j.result <- fmt.Errorf("publish failed, recovered via reconnect: %w", streamErr)
}

// streamFragment streams one fragment's bytes to the helper's stdin in
// Config.ChunkSize chunks, the Chunker described in §4.5.
func (p *Publisher) streamFragment(ctx context.Context, frag *models.RemuxedOutput) error {
	absPath, err := p.storage.AbsolutePath(frag.OutputPath)
	if err != nil {
		return err
	}
	file, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("opening fragment: %w", err)
	}
	defer file.Close()

	buf := make([]byte, p.cfg.ChunkSize)
	var totalChunks int
	var totalBytes int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			p.mu.Lock()
			stdin := p.stdin
			monitor := p.monitor
			p.mu.Unlock()
			if stdin == nil {
				return fmt.Errorf("helper stdin not available")
			}

			chunkStart := time.Now()
			if err := writeChunkWithDeadline(stdin, buf[:n], 30*time.Second); err != nil {
				return fmt.Errorf("writing chunk: %w", err)
			}
			if monitor != nil {
				monitor.AddBytesWritten(uint64(n))
			}
			p.applyRateLimit(n, chunkStart)

			totalChunks++
			totalBytes += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading fragment: %w", readErr)
		}
	}

	if p.callbacks.OnFragmentComplete != nil {
		p.callbacks.OnFragmentComplete(frag.BatchNumber, totalChunks, totalBytes)
	}
	return nil
}

// writeChunkWithDeadline writes chunk to w, treating a write that neither
// completes nor errors within deadline as a hard failure. The write
// goroutine is abandoned (not canceled) on timeout since io.Writer offers
// no cancellation; the stdin pipe is about to be torn down by a reconnect
// regardless.
func writeChunkWithDeadline(w io.Writer, chunk []byte, deadline time.Duration) error {
	resultCh := make(chan error, 1)
	go func() {
		_, err := w.Write(chunk)
		resultCh <- err
	}()

	select {
	case err := <-resultCh:
		return err
	case <-time.After(deadline):
		return fmt.Errorf("stdin write deadline exceeded")
	}
}

// applyRateLimit sleeps the computed deficit so writes do not exceed
// Config.RateLimitBps, when UseRateLimit is enabled.
func (p *Publisher) applyRateLimit(n int, chunkStart time.Time) {
	if !p.cfg.UseRateLimit || p.cfg.RateLimitBps <= 0 {
		return
	}
	expected := time.Duration(float64(n) / float64(p.cfg.RateLimitBps) * float64(time.Second))
	elapsed := time.Since(chunkStart)
	if expected > elapsed {
		time.Sleep(expected - elapsed)
	}
}

// reconnect runs the respawn loop: terminate the dead helper, clear the
// pending queue, wait reconnectDelay, respawn, and retry while the circuit
// breaker allows it. Returns nil once Publishing is restored.
func (p *Publisher) reconnect(ctx context.Context) error {
	for {
		if !p.breaker.Allow() {
			p.setState(StateFailed)
			err := errors.New("max reconnection attempts reached")
			p.emitError(err)
			return err
		}

		attempt := p.breaker.Stats().Failures + 1
		if p.callbacks.OnReconnecting != nil {
			p.callbacks.OnReconnecting(attempt)
		}

		p.terminateHelper()
		p.clearQueue()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReconnectDelay):
		}

		if err := p.spawnHelper(ctx); err != nil {
			p.breaker.RecordFailure()
			p.logger.Warn("respawn failed", "attempt", attempt, "error", err)
			continue
		}

		p.breaker.RecordSuccess()
		p.setState(StatePublishing)
		if p.callbacks.OnReconnected != nil {
			p.callbacks.OnReconnected()
		}
		return nil
	}
}

// clearQueue discards pending jobs: their stdin handle is dead, and §4.5
// performs no replay across a reconnect. The old channel is replaced, not
// closed, since a concurrent PublishFragment caller may still hold a
// reference to it.
func (p *Publisher) clearQueue() {
	p.queueMu.Lock()
	old := p.queue
	p.queue = make(chan *job, 32)
	p.queueMu.Unlock()

	for {
		select {
		case j := <-old:
			j.result <- fmt.Errorf("publisher reconnecting, fragment dropped")
		default:
			return
		}
	}
}

func (p *Publisher) terminateHelper() {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	monitor := p.monitor
	p.cmd = nil
	p.stdin = nil
	p.monitor = nil
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil {
		cmd.Kill()
	}
	if monitor != nil {
		monitor.Stop()
	}
}

// spawnHelper builds and starts the publish transmuxer, wiring a fresh
// stdin pipe and an exit-watcher channel.
func (p *Publisher) spawnHelper(ctx context.Context) error {
	builder := ffmpeg.NewCommandBuilder(p.cfg.FFmpegPath).
		Overwrite().
		InputArgs("-f", "mp4", "-i", "pipe:0").
		CopyVideo().
		CopyAudio()

	switch p.cfg.Mode {
	case ModeSRT:
		builder = builder.OutputArgs("-f", "mpegts").Output(p.publishTarget())
	default:
		builder = builder.OutputArgs(
			"-fflags", "+genpts",
			"-avoid_negative_ts", "make_zero",
			"-flvflags", "no_duration_filesize",
			"-f", "flv",
		).Output(p.publishTarget())
	}

	cmd := builder.Build()
	cmd.Prepare(ctx)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("getting stdin pipe: %w", err)
	}
	if err := cmd.Start(ctx); err != nil {
		return fmt.Errorf("starting helper: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	monitor := ffmpeg.NewProcessMonitor(cmd.Pid())
	monitor.Start()

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.exited = exited
	p.monitor = monitor
	p.mu.Unlock()
	return nil
}

// ProcessStats returns the current resource-usage snapshot for the running
// helper subprocess, or nil if no helper is running.
func (p *Publisher) ProcessStats() *ffmpeg.ProcessStats {
	p.mu.Lock()
	monitor := p.monitor
	p.mu.Unlock()

	if monitor == nil {
		return nil
	}
	stats := monitor.Stats()
	return &stats
}

// publishTarget returns the full publish URL for this stream, appending
// the stream id to the configured base per transport's convention (§4.5).
func (p *Publisher) publishTarget() string {
	base := strings.TrimSuffix(p.cfg.PublishURL, "/")
	switch p.cfg.Mode {
	case ModeSRT:
		return fmt.Sprintf("%s?mode=caller&latency=120&peerlatency=120&tsbpd=1&streamid=#!::r=live/%s,m=publish", base, p.streamID)
	default:
		return fmt.Sprintf("%s/%s", base, p.streamID)
	}
}

func (p *Publisher) recordPublished(batchNumber int) {
	p.publishedMu.Lock()
	p.published = append(p.published, batchNumber)
	p.publishedMu.Unlock()
}

// cleanupIfNeeded enforces the sliding-window retention policy: once the
// published list exceeds maxSegmentsToKeep+cleanupSafetyBuffer, the
// oldest excess entries' on-disk files are removed. Cleanup failures are
// logged, never propagated, per §4.5.
func (p *Publisher) cleanupIfNeeded() {
	if !p.cfg.EnableCleanup {
		return
	}

	keep := p.cfg.MaxSegmentsToKeep + p.cfg.CleanupSafetyBuffer
	p.publishedMu.Lock()
	excess := len(p.published) - keep
	var toRemove []int
	if excess > 0 {
		toRemove = append(toRemove, p.published[:excess]...)
		p.published = p.published[excess:]
	}
	p.publishedMu.Unlock()

	if len(toRemove) == 0 {
		return
	}

	ext := "mp4"
	if p.cfg.Mode == ModeSRT {
		ext = "ts"
	}
	if _, err := p.storage.RemoveBatchFiles(p.streamID, toRemove, ext); err != nil {
		p.logger.Warn("sliding-window cleanup failed", "error", err)
	}
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Publisher) emitError(err error) {
	p.logger.Error("publisher error", "error", err)
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}
}

// isReconnectable classifies an error as recoverable via reconnect: helper
// exit, broken pipe, ENOENT on the helper binary, connection reset, or a
// stdin error. Anything else is emitted as a terminal error.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"broken pipe",
		"connection reset",
		"no such file or directory",
		"exit status",
		"stdin",
		"deadline exceeded",
		"signal: killed",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// waitWithTimeout waits up to timeout for cmd to exit, then sends an
// interrupt (SIGINT) and, if it is still running 500ms later, kills it.
func waitWithTimeout(cmd *ffmpeg.Command, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		for cmd.IsRunning() {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		logger.Warn("publisher helper did not exit in time, sending interrupt")
		_ = cmd.Signal(os.Interrupt)
	}

	select {
	case <-done:
		return
	case <-time.After(500 * time.Millisecond):
		logger.Warn("publisher helper did not respond to interrupt, killing")
		_ = cmd.Kill()
	}
}
