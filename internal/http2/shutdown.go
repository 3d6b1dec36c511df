package http2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/metrics"
)

// ShutdownState is the graceful-shutdown state of one connection.
type ShutdownState int32

const (
	// StateRunning is the initial state: streams are admitted.
	StateRunning ShutdownState = iota
	// StateDraining means GOAWAY has been (or is being) sent and open streams
	// are allowed to finish until the grace period ends.
	StateDraining
	// StateClosed is terminal: every stream finished and the transport was closed cleanly.
	StateClosed
	// StateAborted is terminal: the transport was closed forcibly.
	StateAborted
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("ShutdownState(%d)", int32(s))
	}
}

// Terminal reports whether s is Closed or Aborted.
func (s ShutdownState) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// CloseMode selects how the transport is torn down.
type CloseMode int

const (
	// CloseClean flushes buffered output before closing.
	CloseClean CloseMode = iota
	// CloseForced closes immediately and discards anything not yet on the wire.
	CloseForced
)

func (m CloseMode) String() string {
	if m == CloseForced {
		return "forced"
	}
	return "clean"
}

// ConnectionLoop is what the ShutdownController needs from the connection that owns it.
type ConnectionLoop interface {
	// StopAcceptingStreams makes the stream-acceptance path refuse new streams. Idempotent.
	StopAcceptingStreams()
	// WriteFrame writes one frame through the connection's single write path.
	WriteFrame(f Frame) error
	// Close tears down the transport. Only the first call has an effect.
	Close(mode CloseMode) error
}

// DefaultGracePeriod bounds how long a draining connection waits for its open streams.
const DefaultGracePeriod = 5 * time.Second

// ShutdownConfig configures one ShutdownController.
type ShutdownConfig struct {
	// GracePeriod is the drain deadline measured from when shutdown began.
	// Zero or negative selects DefaultGracePeriod.
	GracePeriod time.Duration
	// ErrorCode is carried by the graceful GOAWAY. NO_ERROR unless the host has a reason.
	ErrorCode ErrorCode
	// Ready, if set, holds the graceful GOAWAY back until it is closed. The
	// connection closes it once its SETTINGS frame is on the wire.
	Ready <-chan struct{}
}

// ShutdownController drives one connection from Running through Draining to
// Closed or Aborted. It sends at most one GOAWAY frame over the connection's
// lifetime and closes the transport exactly once.
type ShutdownController struct {
	loop    ConnectionLoop
	tracker *StreamTracker
	cfg     ShutdownConfig
	log     *logger.Logger
	metrics *metrics.Recorder

	mu           sync.Mutex
	state        ShutdownState
	goAwaySent   bool // set before the write is attempted
	lastStreamID uint32
	err          error
	startedAt    time.Time

	done chan struct{}
}

// NewShutdownController returns a controller in StateRunning.
func NewShutdownController(loop ConnectionLoop, tracker *StreamTracker, cfg ShutdownConfig, lg *logger.Logger, rec *metrics.Recorder) *ShutdownController {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &ShutdownController{
		loop:    loop,
		tracker: tracker,
		cfg:     cfg,
		log:     lg,
		metrics: rec,
		state:   StateRunning,
		done:    make(chan struct{}),
	}
}

// Begin starts a graceful shutdown without waiting for it. The first call moves
// the controller to Draining, stops stream admission, snapshots the last stream
// id, and hands GOAWAY emission and the drain race to a goroutine. It returns
// false if shutdown had already started.
func (c *ShutdownController) Begin() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return false
	}
	c.state = StateDraining
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.loop.StopAcceptingStreams()
	last := c.tracker.StopAccepting()

	c.log.Info("Graceful shutdown started", logger.LogFields{
		"last_stream_id": last,
		"open_streams":   c.tracker.Len(),
		"grace_period":   c.cfg.GracePeriod.String(),
	})
	go c.drain(last)
	return true
}

// RequestShutdown begins a graceful shutdown and waits until the connection
// reaches a terminal state or ctx is done. Calls after the first only wait.
// The returned state is the state observed when the wait ended.
func (c *ShutdownController) RequestShutdown(ctx context.Context) (ShutdownState, error) {
	c.Begin()
	select {
	case <-c.done:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

func (c *ShutdownController) drain(last uint32) {
	// The deadline starts before the GOAWAY write so a writer blocked on the
	// transport cannot postpone it.
	timer := time.NewTimer(c.cfg.GracePeriod)
	defer timer.Stop()

	if ready := c.cfg.Ready; ready != nil {
		select {
		case <-ready:
		case <-timer.C:
			c.expire(false)
			return
		case <-c.done:
			return
		}
	}

	written := make(chan error, 1)
	go func() {
		_, err := c.sendGoAway(last, c.cfg.ErrorCode)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			c.log.Error("Failed to write GOAWAY, closing connection", logger.LogFields{"error": err.Error()})
			c.finish(StateAborted, fmt.Errorf("writing GOAWAY: %w", err))
			return
		}
	case <-timer.C:
		c.expire(false)
		return
	case <-c.done:
		return
	}

	select {
	case <-c.tracker.Drained():
		c.finish(StateClosed, nil)
	case <-timer.C:
		c.expire(true)
	case <-c.done:
	}
}

// expire ends a drain whose grace period ran out. Abandon takes the tracker
// lock, so a final Unregister racing the timer either lands before it (nothing
// abandoned) or is ignored. Without a written GOAWAY the write path is stuck,
// so the close is always forced.
func (c *ShutdownController) expire(goAwayWritten bool) {
	abandoned := c.tracker.Abandon()
	if len(abandoned) == 0 && goAwayWritten {
		c.finish(StateClosed, nil)
		return
	}
	c.log.Warn("Grace period expired, forcing close", logger.LogFields{
		"grace_period":      c.cfg.GracePeriod.String(),
		"goaway_written":    goAwayWritten,
		"abandoned_ids":     abandoned,
		"abandoned_streams": len(abandoned),
	})
	c.metrics.Escalated(context.Background(), len(abandoned))
	c.finish(StateAborted, ErrGracePeriodExpired)
}

// Abort closes the connection forcibly. If cause is a *ConnectionError and no
// GOAWAY has been sent yet, one GOAWAY carrying its code is written first.
func (c *ShutdownController) Abort(cause error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.mu.Unlock()

	c.loop.StopAcceptingStreams()
	last := c.tracker.StopAccepting()

	var ce *ConnectionError
	if errors.As(cause, &ce) {
		c.metrics.FramingError(context.Background(), ce.Code.String())
		if _, err := c.sendGoAway(last, ce.Code); err != nil {
			c.log.Debug("GOAWAY before abort could not be written", logger.LogFields{"error": err.Error()})
		}
	}
	c.log.Warn("Aborting connection", logger.LogFields{"cause": fmt.Sprint(cause)})
	c.finish(StateAborted, cause)
}

// TransportLost reports that the reader saw EOF or an I/O error. A running
// connection is finished at once: Closed if nothing was in flight, Aborted
// otherwise. While draining, the drain race still decides the outcome.
func (c *ShutdownController) TransportLost(err error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateRunning {
		return
	}

	c.loop.StopAcceptingStreams()
	c.tracker.StopAccepting()
	if open := c.tracker.Len(); open > 0 {
		c.log.Info("Transport lost with streams in flight", logger.LogFields{"open_streams": open, "error": fmt.Sprint(err)})
		c.finish(StateAborted, fmt.Errorf("transport lost: %w", err))
		return
	}
	c.finish(StateClosed, nil)
}

// sendGoAway writes GOAWAY unless one was already sent (or attempted) on this
// connection. The flag is claimed under the lock and the write happens outside it.
func (c *ShutdownController) sendGoAway(last uint32, code ErrorCode) (bool, error) {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return false, nil
	}
	c.goAwaySent = true
	c.lastStreamID = last
	c.mu.Unlock()

	if err := c.loop.WriteFrame(NewGoAwayFrame(last, code)); err != nil {
		return true, err
	}
	c.metrics.GoAwayWritten(context.Background(), code.String())
	c.log.Debug("GOAWAY sent", logger.LogFields{"last_stream_id": last, "error_code": code.String()})
	return true, nil
}

// finish moves to a terminal state and closes the transport. Only the first
// call has any effect.
func (c *ShutdownController) finish(state ShutdownState, cause error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	if cause != nil && c.err == nil {
		c.err = cause
	}
	started := c.startedAt
	c.mu.Unlock()

	mode := CloseClean
	if state == StateAborted {
		mode = CloseForced
		c.tracker.Abandon()
	}
	if err := c.loop.Close(mode); err != nil {
		c.log.Debug("Transport close returned error", logger.LogFields{"mode": mode.String(), "error": err.Error()})
	}

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}
	c.metrics.ShutdownFinished(context.Background(), state.String(), elapsed)
	c.log.Info("Connection shutdown finished", logger.LogFields{"state": state.String(), "close_mode": mode.String()})
	close(c.done)
}

// State returns the current state.
func (c *ShutdownController) State() ShutdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the terminal state's effects (transport close) have happened.
func (c *ShutdownController) Done() <-chan struct{} { return c.done }

// Err returns the error that caused an abnormal finish, if any.
func (c *ShutdownController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LastStreamID returns the last stream id carried by the GOAWAY this connection
// sent, and whether one was sent.
func (c *ShutdownController) LastStreamID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStreamID, c.goAwaySent
}
