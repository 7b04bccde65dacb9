// Package ocrworker manages the long-lived external OCR worker process. A
// Channel owns exactly one worker, talking line-delimited JSON over the
// worker's stdin/stdout. Requests are queued FIFO with at most one in flight;
// responses are correlated by dispatch order, so the queue discipline is the
// correctness mechanism, not an optimization.
package ocrworker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Config controls worker process startup and request handling.
type Config struct {
	Command        string        // worker executable path
	Args           []string      // arguments passed to the worker
	Env            []string      // extra environment; nil inherits the parent
	StartupTimeout time.Duration // wait for the ready line (default 60s)
	RequestTimeout time.Duration // per-request response deadline (default 30s)
	ShutdownGrace  time.Duration // wait after shutdown command before kill (default 5s)
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 60 * time.Second,
		RequestTimeout: 30 * time.Second,
		ShutdownGrace:  5 * time.Second,
	}
}

type result struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	req   Request
	done  chan result
	timer *time.Timer
}

// deliver hands the outcome to the waiting caller. The channel is buffered,
// and each pending request resolves at most once because every resolution
// path detaches it from the queue or current slot first.
func (p *pendingRequest) deliver(r result) {
	select {
	case p.done <- r:
	default:
	}
}

// Channel serializes requests to a single external OCR worker process.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	ready    bool
	current  *pendingRequest
	queue    []*pendingRequest
	zombies  int // response lines still owed for timed-out in-flight requests
	procDone chan struct{}
}

// NewChannel creates an uninitialized channel. Call Initialize before
// sending requests.
func NewChannel(cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Channel{cfg: cfg}
}

// IsReady reports whether the worker is running and accepting requests.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Initialize spawns the worker process and waits for its ready line. It may
// be called again after the worker terminated; requests that were queued but
// never dispatched survive re-initialization and are dispatched once the new
// worker is ready.
func (c *Channel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		running := c.ready
		c.mu.Unlock()
		if running {
			slog.Info("ocr worker already initialized")
			return nil
		}
		return &StartupError{Err: fmt.Errorf("previous worker still shutting down")}
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if c.cfg.Env != nil {
		cmd.Env = c.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return &StartupError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return &StartupError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return &StartupError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return &StartupError{Err: err}
	}

	procDone := make(chan struct{})
	c.cmd = cmd
	c.stdin = stdin
	c.procDone = procDone
	c.mu.Unlock()

	slog.Info("ocr worker started", "command", c.cfg.Command, "pid", cmd.Process.Pid)

	readyCh := make(chan struct{}, 1)
	go c.readLoop(stdout, readyCh)
	go c.stderrLoop(stderr)
	go c.waitLoop(cmd, procDone)

	select {
	case <-readyCh:
		workerStartsTotal.Inc()
		return nil
	case <-procDone:
		return &StartupError{Err: fmt.Errorf("worker exited before signaling ready")}
	case <-time.After(c.cfg.StartupTimeout):
		_ = cmd.Process.Kill()
		<-procDone
		return &StartupError{Err: fmt.Errorf("timed out after %s waiting for ready", c.cfg.StartupTimeout)}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-procDone
		return &StartupError{Err: ctx.Err()}
	}
}

// Send queues a request and blocks until its response arrives, its timeout
// fires, the worker terminates, or ctx is done. Requests are dispatched
// strictly FIFO with one in flight at a time.
func (c *Channel) Send(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return nil, ErrNotReady
	}

	p := &pendingRequest{req: req, done: make(chan result, 1)}
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.expire(p) })
	c.queue = append(c.queue, p)
	queueDepth.Set(float64(len(c.queue)))
	c.dispatchLocked()
	c.mu.Unlock()

	select {
	case r := <-p.done:
		p.timer.Stop()
		if r.err != nil {
			requestsTotal.WithLabelValues(req.Command, "error").Inc()
			return nil, r.err
		}
		if r.resp.Status == statusError {
			requestsTotal.WithLabelValues(req.Command, "error").Inc()
			return nil, &WorkerError{Message: r.resp.Error}
		}
		requestsTotal.WithLabelValues(req.Command, "success").Inc()
		return r.resp, nil
	case <-ctx.Done():
		if c.abandon(p) {
			p.timer.Stop()
		}
		requestsTotal.WithLabelValues(req.Command, "canceled").Inc()
		return nil, ctx.Err()
	}
}

// Shutdown asks the worker to exit and force-kills it after the grace
// period. Calling Shutdown on a terminated channel resolves immediately.
func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	procDone := c.procDone
	if cmd == nil {
		c.mu.Unlock()
		return nil
	}
	c.ready = false
	if c.stdin != nil {
		line, _ := json.Marshal(Request{Command: CommandShutdown})
		if _, err := c.stdin.Write(append(line, '\n')); err != nil {
			slog.Debug("ocr worker shutdown write failed", "error", err)
		}
	}
	c.mu.Unlock()

	select {
	case <-procDone:
		return nil
	case <-time.After(c.cfg.ShutdownGrace):
		slog.Warn("ocr worker did not exit within grace period, killing", "grace", c.cfg.ShutdownGrace)
		_ = cmd.Process.Kill()
		<-procDone
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-procDone
		return ctx.Err()
	}
}

// dispatchLocked writes the next queued request to the worker if none is in
// flight. Callers must hold c.mu.
func (c *Channel) dispatchLocked() {
	for c.current == nil && len(c.queue) > 0 && c.ready {
		p := c.queue[0]
		c.queue = c.queue[1:]
		queueDepth.Set(float64(len(c.queue)))

		line, err := json.Marshal(p.req)
		if err != nil {
			p.timer.Stop()
			p.deliver(result{err: fmt.Errorf("marshal request: %w", err)})
			continue
		}
		if _, err := c.stdin.Write(append(line, '\n')); err != nil {
			p.timer.Stop()
			p.deliver(result{err: fmt.Errorf("write request: %w", err)})
			continue
		}
		c.current = p
	}
}

// expire handles a per-request timeout: the request is detached (from the
// queue or the current slot) and the next queued request is dispatched. A
// timed-out in-flight request is still owed a response line by the worker,
// so the zombie count tells readLoop to swallow that line instead of
// correlating it with whatever request holds the slot by then.
func (c *Channel) expire(p *pendingRequest) {
	c.mu.Lock()
	switch {
	case c.current == p:
		c.current = nil
		c.zombies++
		c.dispatchLocked()
	default:
		c.removeQueuedLocked(p)
	}
	c.mu.Unlock()
	p.deliver(result{err: &TimeoutError{Command: p.req.Command, Timeout: c.cfg.RequestTimeout}})
}

// abandon detaches a request whose caller stopped waiting (context done). It
// reports whether the request was removed before dispatch; an in-flight
// request keeps the slot and its timer stays armed so expire can reclaim the
// slot when the response deadline passes.
func (c *Channel) abandon(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == p {
		return false
	}
	return c.removeQueuedLocked(p)
}

func (c *Channel) removeQueuedLocked(p *pendingRequest) bool {
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			queueDepth.Set(float64(len(c.queue)))
			return true
		}
	}
	return false
}

// readLoop consumes stdout lines from the worker. Partial lines are buffered
// by the scanner until a newline arrives.
func (c *Channel) readLoop(stdout io.Reader, readyCh chan<- struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Error("ocr worker sent unparseable response line", "error", err, "line", string(line))
			c.failCurrent(fmt.Errorf("parse response: %w", err))
			continue
		}

		if resp.Status == statusReady {
			c.mu.Lock()
			wasReady := c.ready
			c.ready = true
			c.dispatchLocked()
			c.mu.Unlock()
			if !wasReady {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			}
			continue
		}

		c.resolveCurrent(&resp)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("ocr worker stdout closed", "error", err)
	}
}

// resolveCurrent delivers a response to the in-flight request and dispatches
// the next one. Lines owed to timed-out requests are consumed first; without
// that, a late response would be attributed to the wrong request.
func (c *Channel) resolveCurrent(resp *Response) {
	c.mu.Lock()
	if c.zombies > 0 {
		c.zombies--
		c.mu.Unlock()
		slog.Warn("discarding late ocr worker response for timed-out request", "status", resp.Status)
		return
	}
	p := c.current
	c.current = nil
	c.dispatchLocked()
	c.mu.Unlock()

	if p == nil {
		slog.Warn("discarding ocr worker response with no pending request", "status", resp.Status)
		return
	}
	p.timer.Stop()
	p.deliver(result{resp: resp})
}

func (c *Channel) failCurrent(err error) {
	c.mu.Lock()
	if c.zombies > 0 {
		// The bad line belongs to a timed-out request nobody is waiting on.
		c.zombies--
		c.mu.Unlock()
		return
	}
	p := c.current
	c.current = nil
	c.dispatchLocked()
	c.mu.Unlock()

	if p == nil {
		return
	}
	p.timer.Stop()
	p.deliver(result{err: err})
}

// stderrLoop logs worker stderr line by line. Stderr output is diagnostic
// only and never fails a request.
func (c *Channel) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			slog.Warn("ocr worker stderr", "line", line)
		}
	}
}

// waitLoop reaps the worker process. The in-flight request is rejected;
// queued requests stay pending until their own timeouts fire or a new
// Initialize succeeds.
func (c *Channel) waitLoop(cmd *exec.Cmd, procDone chan struct{}) {
	err := cmd.Wait()
	slog.Info("ocr worker exited", "error", err)

	c.mu.Lock()
	c.ready = false
	c.cmd = nil
	c.stdin = nil
	p := c.current
	c.current = nil
	c.zombies = 0
	c.mu.Unlock()

	if p != nil {
		p.timer.Stop()
		p.deliver(result{err: ErrTerminated})
	}
	close(procDone)
}
