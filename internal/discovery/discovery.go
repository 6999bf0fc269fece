// Package discovery lets agents find a coordinator on the local network with
// a UDP broadcast handshake.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrNoCoordinator = errors.New("no coordinator answered")

const (
	Port           = 8766
	Magic          = "LIBLOCKER_DISCOVERY"
	DefaultTimeout = 5 * time.Second

	typeRequest  = "discovery_request"
	typeResponse = "discovery_response"

	maxDatagram = 4096
)

type message struct {
	Magic     string  `json:"magic"`
	Type      string  `json:"type"`
	Port      int     `json:"port,omitempty"`
	Name      string  `json:"name,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func newMessage(kind string) message {
	return message{
		Magic:     Magic,
		Type:      kind,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// Server is a coordinator that answered a discovery request.
type Server struct {
	IP   string
	Port int
	Name string
}

// Address is the host:port to dial.
func (s Server) Address() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// Announcer answers discovery requests on behalf of a coordinator.
type Announcer struct {
	listenAddr string
	port       int
	name       string

	mu   sync.Mutex
	conn net.PacketConn
	done chan struct{}
}

// NewAnnouncer advertises port under name. An empty listenAddr binds the
// discovery port on all interfaces.
func NewAnnouncer(listenAddr string, port int, name string) *Announcer {
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", Port)
	}
	return &Announcer{listenAddr: listenAddr, port: port, name: name}
}

func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return errors.New("announcer already running")
	}

	conn, err := listenUDP(context.Background(), a.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.listenAddr, err)
	}
	a.conn = conn
	a.done = make(chan struct{})

	go a.serve(conn, a.done)
	slog.Info("Discovery announcer started", "address", conn.LocalAddr().String(), "port", a.port, "name", a.name)
	return nil
}

// Addr returns the bound address, nil before Start.
func (a *Announcer) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

func (a *Announcer) Stop() {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.conn = nil
	a.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
	slog.Info("Discovery announcer stopped")
}

func (a *Announcer) serve(conn net.PacketConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Discovery read failed", "error", err)
			continue
		}

		var req message
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			slog.Warn("Failed to parse discovery request", "from", addr.String(), "error", err)
			continue
		}
		if req.Magic != Magic || req.Type != typeRequest {
			continue
		}

		resp := newMessage(typeResponse)
		resp.Port = a.port
		resp.Name = a.name
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("Failed to encode discovery response", "error", err)
			continue
		}
		if _, err := conn.WriteTo(data, addr); err != nil {
			slog.Warn("Failed to send discovery response", "to", addr.String(), "error", err)
			continue
		}
		slog.Debug("Discovery response sent", "to", addr.String())
	}
}

// Discover broadcasts a request to target and collects distinct answers until
// timeout or ctx expires. An empty target broadcasts on the discovery port.
func Discover(ctx context.Context, target string, timeout time.Duration) ([]Server, error) {
	if target == "" {
		target = fmt.Sprintf("255.255.255.255:%d", Port)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery target: %w", err)
	}

	conn, err := listenUDP(ctx, ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(newMessage(typeRequest))
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(data, dst); err != nil {
		return nil, fmt.Errorf("failed to send discovery request: %w", err)
	}
	slog.Info("Discovery request sent", "target", target)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	var (
		servers []Server
		seen    = make(map[string]bool)
		buf     = make([]byte, maxDatagram)
	)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return servers, fmt.Errorf("discovery read failed: %w", err)
		}

		var resp message
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			slog.Warn("Failed to parse discovery response", "from", addr.String(), "error", err)
			continue
		}
		if resp.Magic != Magic || resp.Type != typeResponse {
			continue
		}

		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		srv := Server{IP: udp.IP.String(), Port: resp.Port, Name: resp.Name}
		if srv.Name == "" {
			srv.Name = "LibLocker Server"
		}
		if seen[srv.Address()] {
			continue
		}
		seen[srv.Address()] = true
		servers = append(servers, srv)
		slog.Info("Coordinator discovered", "address", srv.Address(), "name", srv.Name)
	}

	slog.Info("Discovery complete", "found", len(servers))
	return servers, nil
}

func listenUDP(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	return lc.ListenPacket(ctx, "udp4", addr)
}

// Await repeats Discover until at least one coordinator answers, pausing
// between rounds as b dictates. It gives up only when ctx ends or b stops.
func Await(ctx context.Context, target string, timeout time.Duration, b backoff.BackOff) ([]Server, error) {
	round := func() ([]Server, error) {
		servers, err := Discover(ctx, target, timeout)
		if err != nil {
			return nil, err
		}
		if len(servers) == 0 {
			return nil, ErrNoCoordinator
		}
		return servers, nil
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("Coordinator not found, retrying", "error", err, "retry_in", next)
	}
	return backoff.RetryNotifyWithData(round, backoff.WithContext(b, ctx), notify)
}
