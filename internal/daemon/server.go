// Package daemon hosts the capture service in a long-lived process so a
// session outlives the command that started it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/ipc"
	"github.com/orchestraitor/orcai/internal/logging"
)

// DefaultIdleTimeout is how long an idle daemon waits for a request before
// exiting.
const DefaultIdleTimeout = 5 * time.Minute

// Server accepts IPC connections and drives one capture.Service.
type Server struct {
	svc         *capture.Service
	log         *slog.Logger
	idleTimeout time.Duration

	mu        sync.Mutex
	idleTimer *time.Timer
	active    sync.WaitGroup
}

// New creates a daemon server.
func New(svc *capture.Service, logger *slog.Logger, idleTimeout time.Duration) *Server {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Server{
		svc:         svc,
		log:         logging.Or(logger).With("component", "daemon"),
		idleTimeout: idleTimeout,
	}
}

// Run creates a listener at the standard socket path, resumes an interrupted
// session if there is one and calls Serve.
func (s *Server) Run(ctx context.Context) error {
	sockPath, err := ipc.SocketPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(sockPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if err := cleanStaleSocket(sockPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(sockPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	if err := writePidFile(); err != nil {
		ln.Close()
		return fmt.Errorf("write pid: %w", err)
	}

	defer func() {
		os.Remove(sockPath)
		if pidPath, err := ipc.PidPath(); err == nil {
			os.Remove(pidPath)
		}
	}()

	s.resume(ctx)
	return s.Serve(ctx, ln)
}

func (s *Server) resume(ctx context.Context) {
	sess, err := s.svc.Resume(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrNotActive) {
			s.log.Warn("could not resume interrupted session", "error", err)
		}
		return
	}
	s.log.Info("resumed interrupted session", "session_id", sess.ID())
}

// Serve accepts connections on ln until ctx is cancelled or the daemon sits
// idle with no capture session for the idle timeout. An active session is
// stopped before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	idleCtx, idleCancel := context.WithCancel(ctx)
	defer idleCancel()

	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		if s.svc.Active() {
			s.resetIdle()
			return
		}
		s.log.Info("idle timeout reached, shutting down")
		idleCancel()
	})
	s.mu.Unlock()

	go func() {
		<-idleCtx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-idleCtx.Done():
				s.active.Wait()
				s.shutdown()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.resetIdle()

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer conn.Close()
			defer s.resetIdle()
			s.handleConnection(idleCtx, conn)
		}()
	}
}

// shutdown stops a session still capturing when the daemon exits, so the log
// is finalized and exported instead of left for a later resume.
func (s *Server) shutdown() {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()
	if !s.svc.Active() {
		return
	}
	res, err := s.svc.Stop(context.Background(), capture.StopOptions{})
	if err != nil {
		s.log.Warn("stopping session on shutdown", "error", err)
		return
	}
	s.log.Info("stopped session on shutdown", "session_id", res.SessionID, "export", res.ExportPath)
}

func (s *Server) resetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	var req ipc.Request
	if err := ipc.ReadJSON(conn, ipc.TagRequest, &req); err != nil {
		s.writeResponse(conn, &ipc.Response{Error: fmt.Sprintf("read request: %v", err), Code: ipc.CodeBadRequest})
		return
	}
	s.log.Debug("request", "op", req.Op)
	s.writeResponse(conn, s.dispatch(ctx, &req))
}

func (s *Server) dispatch(ctx context.Context, req *ipc.Request) *ipc.Response {
	// Requests run detached from the daemon's lifetime: a stop that began
	// must finish even if the idle timer fires meanwhile.
	ctx = context.WithoutCancel(ctx)

	switch req.Op {
	case ipc.OpPing:
		return &ipc.Response{OK: true, PID: os.Getpid()}

	case ipc.OpStart:
		var cfg config.Capture
		if req.Capture != nil {
			cfg = *req.Capture
		}
		if _, err := s.svc.Start(ctx, req.Roots, cfg); err != nil {
			return ipc.ErrorResponse(err)
		}
		st := s.svc.Status()
		return &ipc.Response{OK: true, Status: &st}

	case ipc.OpStop:
		var out capture.StopOptions
		if req.Stop != nil {
			out = *req.Stop
		}
		res, err := s.svc.Stop(ctx, out)
		if err != nil {
			resp := ipc.ErrorResponse(err)
			resp.Result = res
			return resp
		}
		return &ipc.Response{OK: true, Result: res}

	case ipc.OpStatus:
		st := s.svc.Status()
		return &ipc.Response{OK: true, Status: &st, PID: os.Getpid()}

	case ipc.OpAbandon:
		if err := s.svc.Abandon(ctx); err != nil {
			return ipc.ErrorResponse(err)
		}
		return &ipc.Response{OK: true}

	case ipc.OpBegin:
		if req.Begin == nil {
			return &ipc.Response{Error: "begin: missing command", Code: ipc.CodeBadRequest}
		}
		seq, err := s.svc.Begin(ctx, *req.Begin)
		if err != nil {
			return ipc.ErrorResponse(err)
		}
		return &ipc.Response{OK: true, Seq: seq}

	case ipc.OpEnd:
		if req.End == nil {
			return &ipc.Response{Error: "end: missing completion", Code: ipc.CodeBadRequest}
		}
		if err := s.svc.End(ctx, *req.End); err != nil {
			return ipc.ErrorResponse(err)
		}
		return &ipc.Response{OK: true}

	default:
		return &ipc.Response{Error: fmt.Sprintf("unknown op %q", req.Op), Code: ipc.CodeBadRequest}
	}
}

// writeResponse sends resp. Failures mean the client went away and are only
// logged.
func (s *Server) writeResponse(conn net.Conn, resp *ipc.Response) {
	if err := ipc.WriteJSON(conn, ipc.TagResponse, resp); err != nil {
		s.log.Debug("write response", "error", err)
	}
}
