package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/ipc"
	"github.com/orchestraitor/orcai/internal/recorder"
)

// ErrNotRunning is returned when no daemon listens on the socket.
var ErrNotRunning = errors.New("orcai daemon is not running")

// Client sends one request per connection to the daemon.
type Client struct {
	sockPath string
}

// NewClient returns a client for the daemon at the standard socket path.
func NewClient() (*Client, error) {
	path, err := ipc.SocketPath()
	if err != nil {
		return nil, err
	}
	return &Client{sockPath: path}, nil
}

// Dial returns a client for the daemon listening on sockPath.
func Dial(sockPath string) *Client {
	return &Client{sockPath: sockPath}
}

// Do sends req and waits for the response.
func (c *Client) Do(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := ipc.WriteJSON(conn, ipc.TagRequest, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp ipc.Response
	if err := ipc.ReadJSON(conn, ipc.TagResponse, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read daemon response: %w", err)
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Ping returns the daemon's pid.
func (c *Client) Ping(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, &ipc.Request{Op: ipc.OpPing})
	if err != nil {
		return 0, err
	}
	return resp.PID, nil
}

// Start begins a capture session in the daemon.
func (c *Client) Start(ctx context.Context, roots []string, cfg config.Capture) (*capture.Status, error) {
	resp, err := c.call(ctx, &ipc.Request{Op: ipc.OpStart, Roots: roots, Capture: &cfg})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Stop finalizes the session. An aborted session returns its result together
// with an error matching capture.ErrAborted.
func (c *Client) Stop(ctx context.Context, out capture.StopOptions) (*capture.Result, error) {
	resp, err := c.Do(ctx, &ipc.Request{Op: ipc.OpStop, Stop: &out})
	if err != nil {
		return nil, err
	}
	return resp.Result, resp.Err()
}

// Status describes the daemon's current or most recent session.
func (c *Client) Status(ctx context.Context) (*capture.Status, error) {
	resp, err := c.call(ctx, &ipc.Request{Op: ipc.OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Abandon ends the session without an export.
func (c *Client) Abandon(ctx context.Context) error {
	_, err := c.call(ctx, &ipc.Request{Op: ipc.OpAbandon})
	return err
}

// Begin records the start of a shell command.
func (c *Client) Begin(ctx context.Context, b recorder.Begin) (uint64, error) {
	resp, err := c.call(ctx, &ipc.Request{Op: ipc.OpBegin, Begin: &b})
	if err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

// End records the completion of a shell command.
func (c *Client) End(ctx context.Context, e recorder.End) error {
	_, err := c.call(ctx, &ipc.Request{Op: ipc.OpEnd, End: &e})
	return err
}

// EnsureRunning returns a client for a live daemon, spawning selfPath as a
// detached `daemon` process when none answers.
func EnsureRunning(ctx context.Context, selfPath string) (*Client, error) {
	c, err := NewClient()
	if err != nil {
		return nil, err
	}
	if _, err := c.Ping(ctx); err == nil {
		return c, nil
	}

	cmd := exec.Command(selfPath, "daemon")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	cmd.Process.Release()

	delays := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
	}
	for _, d := range delays {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		if _, err := c.Ping(ctx); err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("daemon did not start within timeout")
}
