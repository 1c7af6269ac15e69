// Package control implements the manager's control socket protocol: a
// SOCK_SEQPACKET Unix socket carrying length-prefixed JSON frames, one
// request/response pair per connection. Four command families cover
// everything ravenctl can ask the daemon to do.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
)

// maxFrame bounds a single request/response body; nothing legitimate
// on this socket ever approaches it, and it caps how much an
// unauthenticated peer can make the server allocate.
const maxFrame = 16 << 20

// Family names one of the four command groups a Request belongs to.
type Family string

const (
	FamilyUnit     Family = "unit"
	FamilyManager  Family = "manager"
	FamilySystem   Family = "system"
	FamilyUnitFile Family = "unitfile"
)

// UnitAction is a Family=unit verb.
type UnitAction string

const (
	UnitStart       UnitAction = "start"
	UnitStop        UnitAction = "stop"
	UnitRestart     UnitAction = "restart"
	UnitReload      UnitAction = "reload"
	UnitIsolate     UnitAction = "isolate"
	UnitResetFailed UnitAction = "reset-failed"
	UnitStatus      UnitAction = "status"
)

// ManagerAction is a Family=manager verb.
type ManagerAction string

const (
	ManagerDaemonReload ManagerAction = "daemon-reload"
	ManagerDaemonReexec ManagerAction = "daemon-reexec"
	ManagerListUnits    ManagerAction = "list-units"
)

// SystemAction is a Family=system verb.
type SystemAction string

const (
	SystemHalt       SystemAction = "halt"
	SystemPoweroff   SystemAction = "poweroff"
	SystemReboot     SystemAction = "reboot"
	SystemShutdown   SystemAction = "shutdown"
	SystemSwitchRoot SystemAction = "switch-root"
)

// UnitFileAction is a Family=unitfile verb.
type UnitFileAction string

const (
	UnitFileEnable  UnitFileAction = "enable"
	UnitFileDisable UnitFileAction = "disable"
	UnitFileMask    UnitFileAction = "mask"
	UnitFileUnmask  UnitFileAction = "unmask"
)

// Request is one command frame. Only the fields relevant to Family are
// populated; the rest are zero.
type Request struct {
	Family         Family         `json:"family"`
	Unit           types.UnitID   `json:"unit,omitempty"`
	UnitAction     UnitAction     `json:"unit_action,omitempty"`
	ManagerAction  ManagerAction  `json:"manager_action,omitempty"`
	SystemAction   SystemAction   `json:"system_action,omitempty"`
	UnitFileAction UnitFileAction `json:"unitfile_action,omitempty"`
	Mode           types.JobMode  `json:"mode,omitempty"`
	Force          bool           `json:"force,omitempty"`
}

// stdoutBit set in Response.Status routes Message to stdout rather
// than stderr, mirroring the spec's "high bit of status" convention.
const stdoutBit uint32 = 1 << 31

// Response carries a numeric status plus a human-readable message.
type Response struct {
	Status  uint32 `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK builds a success response whose message prints to stdout.
func OK(message string) Response {
	return Response{Status: stdoutBit, Message: message}
}

// Errorf builds a failure response with the given status code (low 8
// bits significant; the stdout bit is never set on an error).
func Errorf(status uint32, format string, args ...any) Response {
	return Response{Status: status & 0xff, Message: fmt.Sprintf(format, args...)}
}

// Stdout reports whether r's message should print to stdout.
func (r Response) Stdout() bool { return r.Status&stdoutBit != 0 }

// ExitCode mirrors the status onto a process exit code, clamping any
// value that overflows a byte to 1.
func (r Response) ExitCode() int {
	code := r.Status &^ stdoutBit
	if code > 255 {
		return 1
	}
	return int(code)
}

// Handler dispatches one decoded Request per family. The manager
// implements this directly; tests can supply a stub.
type Handler interface {
	UnitAction(req Request) Response
	ManagerAction(req Request) Response
	SystemAction(req Request) Response
	UnitFileAction(req Request) Response
}

// Dispatch routes req to the Handler method matching its Family.
func Dispatch(h Handler, req Request) Response {
	switch req.Family {
	case FamilyUnit:
		return h.UnitAction(req)
	case FamilyManager:
		return h.ManagerAction(req)
	case FamilySystem:
		return h.SystemAction(req)
	case FamilyUnitFile:
		return h.UnitFileAction(req)
	default:
		return Errorf(1, "unknown command family %q", req.Family)
	}
}

// Server accepts connections on a SOCK_SEQPACKET Unix socket and
// serves exactly one request/response exchange per connection.
type Server struct {
	log zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	sockPath string
	handler  Handler
	running  bool
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to sockPath, not yet listening.
func NewServer(sockPath string, handler Handler, log zerolog.Logger) *Server {
	return &Server{sockPath: sockPath, handler: handler, log: log.With().Str("component", "control").Logger()}
}

// Start removes any stale socket file, listens, and begins accepting
// connections in a background goroutine. It returns once the listener
// is up; Stop tears it down. If AdoptListener was called first, Start
// accepts on that listener instead of binding a fresh one — the path
// DaemonReexec uses to resume serving on the fd inherited across exec
// without a gap in which ravenctl would get connection-refused.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return rerr.New(rerr.AlreadyActive, "control.Start", s.sockPath)
	}

	if s.ln == nil {
		if err := removeStaleSocket(s.sockPath); err != nil {
			return rerr.Wrap(rerr.IO, "control.Start", err)
		}

		addr, err := net.ResolveUnixAddr("unixpacket", s.sockPath)
		if err != nil {
			return rerr.Wrap(rerr.IO, "control.Start", err)
		}
		ln, err := net.ListenUnix("unixpacket", addr)
		if err != nil {
			return rerr.Wrap(rerr.IO, "control.Start", err)
		}
		s.ln = ln
	}

	s.running = true
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info().Str("socket", s.sockPath).Msg("control socket listening")
	return nil
}

// AdoptListener arms the Server to use ln instead of binding a new
// socket the next time Start is called. Must be called before Start.
func (s *Server) AdoptListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ln = ln
}

// ListenerFile duplicates the server's listening socket into an *os.File
// suitable for inheriting across exec: it clears close-on-exec on the
// duplicate, so passing this file's descriptor number to a re-exec'd
// child (see DaemonReexec) keeps the socket accepting connections under
// the same inode across the exec boundary. Must be called after Start.
func (s *Server) ListenerFile() (*os.File, error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	uln, ok := ln.(*net.UnixListener)
	if !ok {
		return nil, rerr.New(rerr.OpNotSupported, "control.ListenerFile", "listener is not a unix socket")
	}
	f, err := uln.File()
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "control.ListenerFile", err)
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), syscall.F_SETFD, 0); errno != 0 {
		f.Close()
		return nil, rerr.Wrap(rerr.IO, "control.ListenerFile", errno)
	}
	return f, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := !s.running
			s.mu.Unlock()
			if stopped {
				return
			}
			s.log.Warn().Err(err).Msg("control accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	body, err := readFrame(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("control read failed")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		_ = writeFrame(conn, mustJSON(Errorf(1, "malformed request: %v", err)))
		return
	}

	resp := Dispatch(s.handler, req)
	if err := writeFrame(conn, mustJSON(resp)); err != nil {
		s.log.Warn().Err(err).Msg("control write failed")
	}
}

// Stop closes the listener and waits for in-flight connections to
// finish being served.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.ln
	s.mu.Unlock()

	err := ln.Close()
	s.wg.Wait()
	_ = removeStaleSocket(s.sockPath)
	if err != nil {
		return rerr.Wrap(rerr.IO, "control.Stop", err)
	}
	return nil
}

// Call opens a connection to sockPath, sends req, and returns the
// decoded Response. It is the client side used by ravenctl.
func Call(sockPath string, req Request) (Response, error) {
	addr, err := net.ResolveUnixAddr("unixpacket", sockPath)
	if err != nil {
		return Response{}, rerr.Wrap(rerr.IO, "control.Call", err)
	}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return Response{}, rerr.Wrap(rerr.IO, "control.Call", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, mustJSON(req)); err != nil {
		return Response{}, rerr.Wrap(rerr.IO, "control.Call", err)
	}
	body, err := readFrame(conn)
	if err != nil {
		return Response{}, rerr.Wrap(rerr.IO, "control.Call", err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, rerr.Wrap(rerr.IO, "control.Call", err)
	}
	return resp, nil
}

// readFrame reads a 4-byte big-endian length prefix followed by that
// many bytes of JSON body.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("control: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeFrame writes body prefixed with its 4-byte big-endian length.
func writeFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Response/Request are plain structs of primitives; marshaling
		// them can only fail if a future field breaks that invariant.
		panic(fmt.Sprintf("control: marshal invariant broken: %v", err))
	}
	return raw
}

func removeStaleSocket(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
