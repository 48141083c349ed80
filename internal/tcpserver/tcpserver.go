// Package tcpserver implements the inbound scale listener: one
// accept loop plus one supervised task per connection.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
	"github.com/carnitrack/edge/internal/proto"
)

// Registry is the subset of the device registry a connection task needs.
type Registry interface {
	Register(deviceID, sourceIP string, socket net.Conn) (domain.Device, error)
	Socket(deviceID string) (net.Conn, bool)
	AttachSocket(deviceID string, socket net.Conn) net.Conn
	DetachSocket(deviceID string, socket net.Conn)
	RecordHeartbeat(deviceID string, at time.Time)
}

// EventSink receives decoded event frames.
type EventSink interface {
	Capture(deviceID, sourceIP string, se ScaleEventFrame) error
}

// ScaleEventFrame mirrors the fields the event processor needs out of
// a decoded wire event; kept here so tcpserver does not import the
// events package's richer ScaleEvent type directly.
type ScaleEventFrame struct {
	PLUCode        string
	ProductName    string
	WeightGrams    int
	Barcode        string
	ScaleTimestamp time.Time
	RawData        string
}

// Config controls listener binding and per-connection behavior.
type Config struct {
	Host              string
	Port              string
	RegistrationGrace time.Duration
}

// Server is the TCP listener and connection supervisor (component B).
type Server struct {
	cfg      Config
	registry Registry
	events   EventSink

	listener net.Listener
}

// New creates a Server bound to registry and events.
func New(cfg Config, registry Registry, events EventSink) *Server {
	return &Server{cfg: cfg, registry: registry, events: events}
}

// Serve binds the listener and accepts connections until ctx is
// cancelled or a fatal accept error occurs. Each connection runs in
// its own supervised goroutine via errgroup, so one connection's
// cleanup never blocks another's.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("[tcpserver] listening on %s", addr)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-groupCtx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-groupCtx.Done():
				return group.Wait()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return group.Wait()
			}
			log.Printf("[tcpserver] accept error: %v", err)
			continue
		}

		group.Go(func() error {
			s.handleConn(groupCtx, conn)
			return nil
		})
	}
}

// handleConn runs the lifecycle for one accepted connection
// (SPEC_FULL.md §5.B).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sourceIP := remoteIP(conn)
	deviceID, ok := s.awaitRegistration(conn, sourceIP)
	if !ok {
		conn.Close()
		return
	}

	prev := s.registry.AttachSocket(deviceID, conn)
	if prev != nil && prev != conn {
		prev.Close()
	}
	metrics.DevicesConnected.Inc()
	defer func() {
		s.registry.DetachSocket(deviceID, conn)
		metrics.DevicesConnected.Dec()
		conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.readLoop(conn, deviceID, sourceIP)
}

// awaitRegistration reads frames until the first non-empty one arrives
// (within RegistrationGrace) and requires it to be a registration
// frame; any other shape closes the connection.
func (s *Server) awaitRegistration(conn net.Conn, sourceIP string) (string, bool) {
	if s.cfg.RegistrationGrace > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.RegistrationGrace))
	}
	scanner := newFrameScanner(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		frame := proto.Classify(line)
		if frame.Kind != proto.KindRegistration {
			log.Printf("[tcpserver] first frame from %s was not a registration: %q", sourceIP, line)
			return "", false
		}
		conn.SetReadDeadline(time.Time{})
		// Register stores conn as the device's socket, so an older
		// connection for the same device is closed here, before it is
		// overwritten.
		if prev, ok := s.registry.Socket(frame.DeviceID); ok && prev != conn {
			prev.Close()
		}
		if _, err := s.registry.Register(frame.DeviceID, sourceIP, conn); err != nil {
			log.Printf("[tcpserver] register %s: %v", frame.DeviceID, err)
			return "", false
		}
		return frame.DeviceID, true
	}
	return "", false
}

// readLoop dispatches subsequent frames until read error, EOF, or the
// frame-size cap is exceeded.
func (s *Server) readLoop(conn net.Conn, deviceID, sourceIP string) {
	scanner := newFrameScanner(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.dispatch(deviceID, sourceIP, line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[tcpserver] %s read error: %v", deviceID, err)
	}
}

func (s *Server) dispatch(deviceID, sourceIP, line string) {
	frame := proto.Classify(line)
	switch frame.Kind {
	case proto.KindHeartbeat:
		s.registry.RecordHeartbeat(deviceID, time.Now())
		metrics.HeartbeatsReceived.WithLabelValues(deviceID).Inc()
	case proto.KindEvent:
		err := s.events.Capture(deviceID, sourceIP, ScaleEventFrame{
			PLUCode:        frame.Event.PLUCode,
			ProductName:    frame.Event.ProductName,
			WeightGrams:    frame.Event.WeightGrams,
			Barcode:        frame.Event.Barcode,
			ScaleTimestamp: frame.Event.ScaleTimestamp,
			RawData:        line,
		})
		if err != nil {
			log.Printf("[tcpserver] capture event for %s: %v", deviceID, err)
		}
	default:
		log.Printf("[tcpserver] unknown frame from %s: %q", deviceID, line)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// newFrameScanner wraps conn in a bufio.Scanner using a custom split
// function that accepts CR, LF, or CRLF terminators and enforces
// proto.MaxFrameBytes per frame.
func newFrameScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	// bufio.Scanner requires the token PLUS its terminator to fit within
	// the buffer before a SplitFunc can return a match, so a full
	// MaxFrameBytes-sized frame needs one extra byte of headroom for its
	// \n (or the \r of a \r\n: splitAnyNewline ends a full-size frame at
	// that \r, and the \n that follows reads as an empty frame, which
	// callers skip). splitAnyNewline's own length guard — not this buffer
	// — is what actually rejects frames larger than MaxFrameBytes.
	scanner.Buffer(make([]byte, 0, proto.MaxFrameBytes+1), proto.MaxFrameBytes+1)
	scanner.Split(splitAnyNewline)
	return scanner
}

// splitAnyNewline is a bufio.SplitFunc accepting \r, \n, or \r\n as the
// frame terminator, capping a single frame's content (the token,
// excluding the terminator) at proto.MaxFrameBytes. The length check
// happens against the resolved token, not the raw buffered data —
// checking raw data length before a terminator is found would reject
// a legitimate MaxFrameBytes-sized frame the moment its own
// terminator lands in the buffer.
func splitAnyNewline(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' {
			end := i
			if end > 0 && data[end-1] == '\r' {
				end--
			}
			if end > proto.MaxFrameBytes {
				return 0, nil, domain.ErrFrameTooLarge
			}
			return i + 1, data[:end], nil
		}
		if b == '\r' {
			// Lone CR (no following LF yet buffered): wait for more
			// data unless we're at EOF or the CR follows a full-size
			// frame (the buffer has no room left), in which case treat
			// it as the terminator.
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					continue
				}
				if i > proto.MaxFrameBytes {
					return 0, nil, domain.ErrFrameTooLarge
				}
				return i + 1, data[:i], nil
			}
			if atEOF || i == proto.MaxFrameBytes {
				if i > proto.MaxFrameBytes {
					return 0, nil, domain.ErrFrameTooLarge
				}
				return i + 1, data[:i], nil
			}
		}
	}
	// No terminator found yet: if we've already buffered more than a
	// full frame's worth of content, it can never resolve to a valid
	// token no matter what follows.
	if len(data) > proto.MaxFrameBytes {
		return 0, nil, domain.ErrFrameTooLarge
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
