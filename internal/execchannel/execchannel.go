// Package execchannel runs commands inside session containers over the
// Docker exec API, with optional pseudo-terminal support, incremental output
// reads, stdin injection and idempotent termination.
package execchannel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/gluk-w/sessiond/internal/faults"
)

// ErrStreamBroken reports a connection dropped mid-read. It is surfaced,
// never retried: output already consumed from the stream cannot be replayed.
var ErrStreamBroken = errors.New("exec output stream broken")

// APIClient is the slice of the Docker client the channel needs.
// *client.Client satisfies it; tests inject fakes.
type APIClient interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

type Options struct {
	WorkDir string
	Env     []string
	TTY     bool
}

type Channel struct {
	client APIClient
}

func New(client APIClient) *Channel {
	return &Channel{client: client}
}

// Handle is the exclusive reference to one in-container process. It is owned
// by the component that created it until terminated or naturally exited.
type Handle struct {
	ID          string
	ContainerID string
	Command     []string
	TTY         bool
	StartedAt   time.Time

	client APIClient
	execID string
	resp   types.HijackedResponse
	demux  streamDemux

	mu         sync.Mutex
	pending    bytes.Buffer // output not yet handed to a reader
	transcript bytes.Buffer // everything seen since start
	readErr    error
	eof        bool
	notify     chan struct{}

	closeOnce sync.Once
}

// Execute starts cmd inside the container and returns a live handle.
func (c *Channel) Execute(ctx context.Context, containerID string, cmd []string, opts Options) (*Handle, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.TTY,
		Tty:          opts.TTY,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
	}
	if opts.TTY {
		execCfg.ConsoleSize = &[2]uint{24, 80}
	}

	created, err := c.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, faults.Wrap(faults.KindNotFound, err, "container %s not found", containerID)
		}
		return nil, faults.Wrap(faults.KindTransient, err, "exec create in %s", containerID)
	}

	resp, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.TTY})
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "exec start in %s", containerID)
	}

	h := &Handle{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Command:     cmd,
		TTY:         opts.TTY,
		StartedAt:   time.Now(),
		client:      c.client,
		execID:      created.ID,
		resp:        resp,
		notify:      make(chan struct{}, 1),
	}
	go h.readLoop()
	return h, nil
}

// readLoop drains the hijacked connection into the handle's buffers.
// Non-tty output arrives in Docker's multiplexed stream framing and is
// de-multiplexed before buffering.
func (h *Handle) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := h.resp.Reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			text := string(chunk)
			if !h.TTY {
				text = h.demux.push(chunk)
			}
			if text != "" {
				h.mu.Lock()
				h.pending.WriteString(text)
				h.transcript.WriteString(text)
				h.mu.Unlock()
				select {
				case h.notify <- struct{}{}:
				default:
				}
			}
		}
		if err != nil {
			h.mu.Lock()
			if !h.TTY {
				if rest := h.demux.flush(); rest != "" {
					h.pending.WriteString(rest)
					h.transcript.WriteString(rest)
				}
			}
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				h.eof = true
			} else {
				h.readErr = fmt.Errorf("%w: %v", ErrStreamBroken, err)
			}
			h.mu.Unlock()
			select {
			case h.notify <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (h *Handle) takePending() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending.String()
	h.pending.Reset()
	if out == "" && h.readErr != nil {
		return "", h.readErr
	}
	return out, nil
}

// ReadOutput returns output accumulated since the previous read, waiting up
// to maxWait for something to arrive. An empty string with a nil error is a
// normal result; markers may simply not have arrived yet. The wait bound is
// independent from any outer operation deadline carried by ctx.
func (h *Handle) ReadOutput(ctx context.Context, maxWait time.Duration) (string, error) {
	out, err := h.takePending()
	if out != "" || err != nil {
		return out, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return h.takePending()
	case <-h.notify:
		return h.takePending()
	}
}

// Transcript returns everything the process has written since start.
func (h *Handle) Transcript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transcript.String()
}

// WriteStdin injects input into the process. Requires a pseudo-terminal.
func (h *Handle) WriteStdin(input string) error {
	if !h.TTY {
		return faults.New(faults.KindPermanent, "stdin requires a pseudo-terminal on exec %s", h.ID)
	}
	if _, err := h.resp.Conn.Write([]byte(input)); err != nil {
		return fmt.Errorf("write stdin to exec %s: %w", h.ID, err)
	}
	return nil
}

// ExitStatus polls the exec state. running=true means no exit code yet.
func (h *Handle) ExitStatus(ctx context.Context) (running bool, exitCode int, err error) {
	inspect, err := h.client.ContainerExecInspect(ctx, h.execID)
	if err != nil {
		return false, -1, faults.Wrap(faults.KindTransient, err, "exec inspect %s", h.ID)
	}
	return inspect.Running, inspect.ExitCode, nil
}

// Terminate releases the handle. Docker does not expose killing an exec
// directly; closing the hijacked connection ends the tty session and the
// process with it. Safe to call repeatedly and after natural exit.
func (h *Handle) Terminate() error {
	h.closeOnce.Do(func() {
		h.resp.Close()
	})
	return nil
}

// Run executes cmd to completion and returns the combined de-multiplexed
// output plus exit code. Used for one-shot commands where no interaction is
// needed.
func (c *Channel) Run(ctx context.Context, containerID string, cmd []string, opts Options) (string, int, error) {
	opts.TTY = false
	h, err := c.Execute(ctx, containerID, cmd, opts)
	if err != nil {
		return "", -1, err
	}
	defer h.Terminate()

	for {
		if _, err := h.ReadOutput(ctx, 250*time.Millisecond); err != nil {
			if errors.Is(err, ErrStreamBroken) {
				return h.Transcript(), -1, err
			}
			if ctx.Err() != nil {
				return h.Transcript(), -1, ctx.Err()
			}
		}
		h.mu.Lock()
		done := h.eof || h.readErr != nil
		h.mu.Unlock()
		if done {
			break
		}
	}

	running, code, err := h.ExitStatus(ctx)
	if err != nil {
		return h.Transcript(), -1, err
	}
	if running {
		// Stream closed but the process lingers; report what we have.
		return h.Transcript(), -1, faults.New(faults.KindTransient, "exec %s still running after stream end", h.ID)
	}
	return h.Transcript(), code, nil
}

// streamDemux removes Docker's multiplexed stream framing:
// [stream(1)][pad(3)][size(4)][payload]. It carries partial frames across
// read boundaries, so a header or payload split between two reads is
// reassembled instead of leaking header bytes into the output. Only the
// readLoop goroutine touches it.
type streamDemux struct {
	buf bytes.Buffer
}

func (d *streamDemux) push(data []byte) string {
	d.buf.Write(data)
	var out bytes.Buffer
	for d.buf.Len() > 0 {
		b := d.buf.Bytes()
		if !headerPossible(b) {
			// Unframed output, pass through untouched.
			out.Write(b)
			d.buf.Reset()
			break
		}
		if len(b) < 8 {
			break
		}
		size := int(b[4])<<24 | int(b[5])<<16 | int(b[6])<<8 | int(b[7])
		if len(b) < 8+size {
			break
		}
		out.Write(b[8 : 8+size])
		d.buf.Next(8 + size)
	}
	return out.String()
}

// flush returns whatever is still buffered once the stream ends.
func (d *streamDemux) flush() string {
	s := d.buf.String()
	d.buf.Reset()
	return s
}

// headerPossible reports whether b could still begin a stream header once
// more bytes arrive.
func headerPossible(b []byte) bool {
	if len(b) > 0 && b[0] > 2 {
		return false
	}
	for i := 1; i < len(b) && i < 4; i++ {
		if b[i] != 0 {
			return false
		}
	}
	return true
}
