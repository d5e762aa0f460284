package execchannel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/gluk-w/sessiond/internal/faults"
)

// frame wraps payload in Docker's multiplexed stream header (stdout).
func frame(payload string) []byte {
	n := len(payload)
	hdr := []byte{1, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return append(hdr, payload...)
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}

type fakeDocker struct {
	createErr  error
	attachErr  error
	running    bool
	exitCode   int
	lastCreate container.ExecOptions

	// server is the remote end of the hijacked connection; tests write
	// process output here and read injected stdin from it.
	server net.Conn
	client net.Conn
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (types.IDResponse, error) {
	f.lastCreate = options
	if f.createErr != nil {
		return types.IDResponse{}, f.createErr
	}
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	if f.attachErr != nil {
		return types.HijackedResponse{}, f.attachErr
	}
	return types.HijackedResponse{Conn: f.client, Reader: bufio.NewReader(f.client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{Running: f.running, ExitCode: f.exitCode}, nil
}

func newTestChannel(t *testing.T) (*Channel, *fakeDocker) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeDocker{server: server, client: client}
	t.Cleanup(func() { server.Close() })
	return New(f), f
}

func TestReadOutputIncremental(t *testing.T) {
	c, f := newTestChannel(t)

	h, err := c.Execute(context.Background(), "box", []string{"sh"}, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer h.Terminate()

	go f.server.Write(frame("hello "))
	out, err := h.ReadOutput(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "hello " {
		t.Errorf("got %q, want demuxed payload", out)
	}

	go f.server.Write(frame("world"))
	out, err = h.ReadOutput(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if out != "world" {
		t.Errorf("second read must return only new output, got %q", out)
	}

	// Nothing new: a bounded wait returns empty without error.
	out, err = h.ReadOutput(context.Background(), 20*time.Millisecond)
	if err != nil || out != "" {
		t.Errorf("idle read: got (%q, %v), want empty", out, err)
	}

	if got := h.Transcript(); got != "hello world" {
		t.Errorf("transcript %q", got)
	}
}

func TestExecuteContainerNotFound(t *testing.T) {
	c, f := newTestChannel(t)
	f.createErr = notFoundErr{}

	_, err := c.Execute(context.Background(), "ghost", []string{"sh"}, Options{})
	if !errors.Is(err, faults.NotFound) {
		t.Fatalf("expected not-found kind, got %v", err)
	}
}

func TestWriteStdinRequiresTTY(t *testing.T) {
	c, _ := newTestChannel(t)

	h, err := c.Execute(context.Background(), "box", []string{"sh"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Terminate()

	if err := h.WriteStdin("input\n"); !errors.Is(err, faults.Permanent) {
		t.Errorf("stdin without a tty must be rejected, got %v", err)
	}
}

func TestWriteStdinReachesProcess(t *testing.T) {
	c, f := newTestChannel(t)

	h, err := c.Execute(context.Background(), "box", []string{"gh", "auth", "login"}, Options{TTY: true})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Terminate()

	if !f.lastCreate.Tty || !f.lastCreate.AttachStdin {
		t.Fatalf("tty exec must attach stdin, got %+v", f.lastCreate)
	}

	go func() {
		if err := h.WriteStdin("XXXX-1234\r"); err != nil {
			t.Errorf("write stdin: %v", err)
		}
	}()

	buf := make([]byte, 64)
	f.server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := f.server.Read(buf)
	if err != nil {
		t.Fatalf("read injected stdin: %v", err)
	}
	if got := string(buf[:n]); got != "XXXX-1234\r" {
		t.Errorf("process saw %q", got)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	c, _ := newTestChannel(t)

	h, err := c.Execute(context.Background(), "box", []string{"sh"}, Options{TTY: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Terminate(); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := h.Terminate(); err != nil {
		t.Fatalf("repeat terminate must be a no-op: %v", err)
	}
}

func TestRunCollectsOutputAndExitCode(t *testing.T) {
	c, f := newTestChannel(t)
	f.exitCode = 3

	go func() {
		f.server.Write(frame("ready\n"))
		f.server.Close()
	}()

	out, code, err := c.Run(context.Background(), "box", []string{"echo", "ready"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "ready\n" {
		t.Errorf("output %q", out)
	}
	if code != 3 {
		t.Errorf("exit code %d", code)
	}
}

func TestStreamDemux(t *testing.T) {
	var d streamDemux
	multiplexed := append(frame("out"), frame("err")...)
	if got := d.push(multiplexed); got != "outerr" {
		t.Errorf("demux got %q", got)
	}
	// raw unframed bytes pass through untouched
	if got := d.push([]byte("plain text")); got != "plain text" {
		t.Errorf("raw got %q", got)
	}
}

func TestStreamDemuxFrameSplitAcrossReads(t *testing.T) {
	var d streamDemux
	full := frame("hello world")

	// header itself split mid-way
	if got := d.push(full[:5]); got != "" {
		t.Fatalf("partial header leaked %q", got)
	}
	// payload split mid-way
	if got := d.push(full[5:12]); got != "" {
		t.Fatalf("partial payload leaked %q", got)
	}
	if got := d.push(full[12:]); got != "hello world" {
		t.Errorf("reassembled payload %q", got)
	}

	// a second frame arriving back-to-back with a partial third
	next := append(frame("abc"), frame("def")[:6]...)
	if got := d.push(next); got != "abc" {
		t.Errorf("complete frame %q", got)
	}
	if got := d.flush(); got == "" {
		t.Error("partial trailing frame lost on flush")
	}
}

func TestRunSurvivesSplitFrames(t *testing.T) {
	c, f := newTestChannel(t)

	go func() {
		full := frame("line one\nline two\n")
		f.server.Write(full[:7])
		time.Sleep(20 * time.Millisecond)
		f.server.Write(full[7:])
		f.server.Close()
	}()

	out, code, err := c.Run(context.Background(), "box", []string{"sh", "-c", "script"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "line one\nline two\n" {
		t.Errorf("split frame corrupted output: %q", out)
	}
	if code != 0 {
		t.Errorf("exit code %d", code)
	}
}
