package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// terminateGrace is how long a process gets after SIGTERM before it is
// force-killed.
const terminateGrace = 2 * time.Second

// PipeTransport talks to a spawned subprocess over its stdin/stdout.
// Each request is one JSON line on stdin; each response one JSON line
// on stdout. Responses may arrive in any order.
type PipeTransport struct {
	config *Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Request tracking for async responses
	pending   map[interface{}]chan *AsyncResult
	pendingMu sync.Mutex

	// State
	connected atomic.Bool

	// Control
	done      chan struct{}
	readDone  chan struct{}
	procDone  chan struct{}
	writeMu   sync.Mutex // serialize writes to stdin
	closeOnce sync.Once
}

// NewPipeTransport spawns the server process and starts the framing loops.
func NewPipeTransport(cfg *Config) (*PipeTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required for pipe transport")
	}

	t := &PipeTransport{
		config:   cfg,
		pending:  make(map[interface{}]chan *AsyncResult),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	if err := t.start(); err != nil {
		return nil, &types.ConnectionError{Server: cfg.Server, Err: err}
	}

	return t, nil
}

// newPipeOverStreams wires a transport directly onto an existing stream
// pair. Used by tests to exercise framing without a real process.
func newPipeOverStreams(cfg *Config, in io.WriteCloser, out io.ReadCloser) *PipeTransport {
	t := &PipeTransport{
		config:   cfg,
		stdin:    in,
		stdout:   out,
		pending:  make(map[interface{}]chan *AsyncResult),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	t.connected.Store(true)
	go t.readLoop()
	return t
}

// start spawns the server process
func (t *PipeTransport) start() error {
	log.Info().
		Str("server", t.config.Server).
		Str("command", t.config.Command).
		Strs("args", t.config.Args).
		Msg("Starting pipe server process")

	t.cmd = exec.Command(t.config.Command, t.config.Args...)

	if t.config.WorkDir != "" {
		t.cmd.Dir = t.config.WorkDir
	}

	// Environment entries are appended to the inherited environment
	if len(t.config.Env) > 0 {
		env := make([]string, 0, len(t.config.Env))
		for k, v := range t.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		t.cmd.Env = append(t.cmd.Environ(), env...)
	}

	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	t.stdout = stdout

	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	t.stderr = stderr

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	t.procDone = make(chan struct{})
	t.connected.Store(true)

	go t.readLoop()
	go t.logStderr()
	go t.monitorProcess()

	log.Info().
		Str("server", t.config.Server).
		Int("pid", t.cmd.Process.Pid).
		Msg("Pipe server process started")

	return nil
}

// readLoop reads responses from stdout and dispatches to pending requests
func (t *PipeTransport) readLoop() {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.stdout)
	// Large tool results need more than the default buffer
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp types.RPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Error().
				Err(err).
				Str("server", t.config.Server).
				Str("line", string(line)).
				Msg("Failed to parse response line")
			continue
		}

		// Notifications carry no id and are not correlated
		if resp.ID == nil {
			log.Debug().
				Str("server", t.config.Server).
				Msg("Received server notification")
			continue
		}

		t.dispatch(&resp)
	}

	if err := scanner.Err(); err != nil {
		if t.connected.Load() {
			log.Error().Err(err).Str("server", t.config.Server).Msg("Error reading from pipe")
		}
	}
}

// dispatch routes a response to its pending request, if any
func (t *PipeTransport) dispatch(resp *types.RPCResponse) {
	// JSON numbers arrive as float64; ids were issued as int
	normalizedID := normalizeID(resp.ID)

	t.pendingMu.Lock()
	ch, ok := t.pending[normalizedID]
	if ok {
		delete(t.pending, normalizedID)
	}
	t.pendingMu.Unlock()

	if ok {
		ch <- &AsyncResult{
			Response:  resp,
			RequestID: resp.ID,
		}
		close(ch)
	} else {
		log.Warn().
			Str("server", t.config.Server).
			Interface("id", resp.ID).
			Msg("Received response for unknown request")
	}
}

// logStderr logs stderr output from the process
func (t *PipeTransport) logStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		log.Debug().
			Str("server", t.config.Server).
			Str("line", scanner.Text()).
			Msg("Server stderr")
	}
}

// monitorProcess waits for the process to exit and fails pending requests.
// Restarting is the connection layer's job, not the transport's.
func (t *PipeTransport) monitorProcess() {
	err := t.cmd.Wait()
	close(t.procDone)

	select {
	case <-t.done:
		// Intentional shutdown
		return
	default:
	}

	t.connected.Store(false)

	if err != nil {
		log.Error().
			Err(err).
			Str("server", t.config.Server).
			Msg("Server process exited with error")
	} else {
		log.Warn().
			Str("server", t.config.Server).
			Msg("Server process exited")
	}

	t.cancelAllPending(types.ErrConnectionClosed)
}

// cancelAllPending fails every in-flight request with err
func (t *PipeTransport) cancelAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	for id, ch := range t.pending {
		ch <- &AsyncResult{
			Error:     err,
			RequestID: id,
		}
		close(ch)
	}
	t.pending = make(map[interface{}]chan *AsyncResult)
}

// Send sends a synchronous request
func (t *PipeTransport) Send(ctx context.Context, req *types.RPCRequest) (*types.RPCResponse, error) {
	ch := t.SendAsync(ctx, req)

	select {
	case result := <-ch:
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Response, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, normalizeID(req.ID))
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// SendAsync sends an async request and returns a channel for the response
func (t *PipeTransport) SendAsync(ctx context.Context, req *types.RPCRequest) <-chan *AsyncResult {
	ch := make(chan *AsyncResult, 1)

	if !t.connected.Load() {
		ch <- &AsyncResult{
			Error:     &types.ConnectionError{Server: t.config.Server, Err: types.ErrConnectionClosed},
			RequestID: req.ID,
		}
		close(ch)
		return ch
	}

	normalizedReqID := normalizeID(req.ID)
	if !req.IsNotification() {
		t.pendingMu.Lock()
		t.pending[normalizedReqID] = ch
		t.pendingMu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.failPending(ch, normalizedReqID, req.ID, fmt.Errorf("failed to marshal request: %w", err))
		return ch
	}

	// One line per request, writes serialized
	t.writeMu.Lock()
	_, err = t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()

	if err != nil {
		t.failPending(ch, normalizedReqID, req.ID, &types.ConnectionError{Server: t.config.Server, Err: err})
		return ch
	}

	if req.IsNotification() {
		ch <- &AsyncResult{}
		close(ch)
		return ch
	}

	// Handle context cancellation
	go func() {
		select {
		case <-ctx.Done():
			t.pendingMu.Lock()
			if pendingCh, ok := t.pending[normalizedReqID]; ok {
				delete(t.pending, normalizedReqID)
				pendingCh <- &AsyncResult{
					Error:     ctx.Err(),
					RequestID: req.ID,
				}
				close(pendingCh)
			}
			t.pendingMu.Unlock()
		case <-ch:
			// Request completed normally
		case <-t.done:
			// Transport closed
		}
	}()

	return ch
}

// failPending removes the request from the pending map and delivers err
func (t *PipeTransport) failPending(ch chan *AsyncResult, normalizedID, rawID interface{}, err error) {
	t.pendingMu.Lock()
	delete(t.pending, normalizedID)
	t.pendingMu.Unlock()

	ch <- &AsyncResult{
		Error:     err,
		RequestID: rawID,
	}
	close(ch)
}

// Close shuts the transport down and terminates the process. SIGTERM
// first, force kill if the process is still alive after the grace period.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		log.Info().Str("server", t.config.Server).Msg("Closing pipe transport")

		t.connected.Store(false)
		close(t.done)

		t.cancelAllPending(types.ErrConnectionClosed)

		if t.stdin != nil {
			t.stdin.Close()
		}

		t.terminate()

		select {
		case <-t.readDone:
		case <-time.After(5 * time.Second):
			log.Warn().Str("server", t.config.Server).Msg("Read loop didn't finish in time")
		}
	})

	return nil
}

// terminate asks the process to exit and kills it if it won't
func (t *PipeTransport) terminate() {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone or not signalable, fall back to kill
		t.cmd.Process.Kill()
		return
	}

	select {
	case <-t.procDone:
	case <-time.After(terminateGrace):
		log.Warn().
			Str("server", t.config.Server).
			Dur("grace", terminateGrace).
			Msg("Process ignored SIGTERM, killing")
		t.cmd.Process.Kill()
	}
}

// IsConnected returns true if the transport is connected
func (t *PipeTransport) IsConnected() bool {
	return t.connected.Load()
}

// Kind returns the transport kind
func (t *PipeTransport) Kind() types.TransportKind {
	return types.TransportPipe
}

// Reconnect restarts the process
func (t *PipeTransport) Reconnect(ctx context.Context) error {
	log.Info().Str("server", t.config.Server).Msg("Reconnecting pipe transport")

	t.connected.Store(false)
	t.cancelAllPending(types.ErrConnectionClosed)

	if t.stdin != nil {
		t.stdin.Close()
	}
	t.terminate()

	select {
	case <-t.readDone:
	case <-time.After(3 * time.Second):
		log.Warn().Str("server", t.config.Server).Msg("Read loop didn't finish during reconnect")
	case <-ctx.Done():
		return ctx.Err()
	}

	t.pendingMu.Lock()
	t.pending = make(map[interface{}]chan *AsyncResult)
	t.pendingMu.Unlock()

	t.done = make(chan struct{})
	t.readDone = make(chan struct{})

	if err := t.start(); err != nil {
		return &types.ConnectionError{Server: t.config.Server, Err: err}
	}
	return nil
}

// PID returns the process id if running
func (t *PipeTransport) PID() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}
