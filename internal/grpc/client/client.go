package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liblocker/liblocker/internal/protocol"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	grpctls "github.com/liblocker/liblocker/internal/grpc/tls"
)

var ErrNotConnected = errors.New("not connected to coordinator")

const (
	sendChannelBuffer        = 100
	defaultHeartbeatInterval = 5 * time.Second
	defaultSendTimeout       = 2 * time.Second
	defaultTickInterval      = time.Second
	defaultWarningMinutes    = 5
	initialDelay             = 1 * time.Second
	maxDelay                 = 30 * time.Second
	backoffFactor            = 2
)

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

type Config struct {
	ServerAddr        string
	HardwareID        string
	Name              string
	IPAddress         string
	MACAddress        string
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	TickInterval      time.Duration
	WarningMinutes    int
	TLS               *TLSConfig
	// DialOptions are appended to the options the client builds itself.
	DialOptions []grpc.DialOption
}

// Client keeps one logical stream open to the coordinator, re-registering on
// every reconnect and dispatching inbound commands to its handlers.
type Client struct {
	cfg        Config
	dispatcher *Dispatcher
	session    *LocalSession
	state      *StateFile
	hooks      Hooks
	now        func() time.Time

	sendCh   chan *protocol.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	reconnect backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      *grpc.ClientConn
	streamEnd context.CancelFunc
	connected bool
	agentID   int64
}

func NewClient(cfg Config, state *StateFile, hooks Hooks) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.WarningMinutes <= 0 {
		cfg.WarningMinutes = defaultWarningMinutes
	}
	if state == nil {
		state = &StateFile{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		dispatcher: NewDispatcher(),
		session:    NewLocalSession(),
		state:      state,
		hooks:      hooks,
		now:        time.Now,
		sendCh:     make(chan *protocol.Envelope, sendChannelBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		reconnect:  newReconnectBackOff(),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.registerHandlers()
	return c
}

func newReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.Multiplier = backoffFactor
	b.MaxInterval = maxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) Dispatcher() *Dispatcher {
	return c.dispatcher
}

func (c *Client) Session() *LocalSession {
	return c.session
}

func (c *Client) State() *StateFile {
	return c.state
}

func (c *Client) Start() error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.dispatcher.Run(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.tickLoop()
	}()
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.cancel()
	<-c.doneCh
	c.wg.Wait()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	slog.Info("gRPC client stopped")
	return nil
}

// Connected reports whether a registered stream is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AgentID returns the id assigned by the coordinator, 0 before the first ack.
func (c *Client) AgentID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Send queues env for the coordinator, waiting at most the configured send timeout.
func (c *Client) Send(ctx context.Context, env *protocol.Envelope) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.sendCh <- env:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout queueing %s", env.Kind)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrNotConnected
	}
}

// RequestStop asks the coordinator to end the current session.
func (c *Client) RequestStop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = protocol.ReasonUserRequest
	}
	env, err := protocol.NewEnvelope(protocol.KindSessionStopRequest, protocol.SessionStopRequest{Reason: reason})
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// ReportInstallation raises an installation alert on the coordinator.
func (c *Client) ReportInstallation(ctx context.Context, reason string) error {
	env, err := protocol.NewEnvelope(protocol.KindInstallationAlert, protocol.InstallationAlert{
		Reason:    reason,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		stream, err := c.connect()
		if err != nil {
			delay := c.reconnect.NextBackOff()
			slog.Error("Connection failed", "error", err, "retry_in", delay)
			if !c.wait(delay) {
				return
			}
			continue
		}

		c.reconnect.Reset()

		if err := c.handleStream(stream); err != nil {
			if err == io.EOF {
				slog.Info("Server closed connection")
			} else {
				slog.Error("Stream error", "error", err)
			}
		}

		delay := c.reconnect.NextBackOff()
		slog.Info("Reconnecting", "delay", delay)
		if !c.wait(delay) {
			return
		}
	}
}

func (c *Client) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  initialDelay,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   maxDelay,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
	}

	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		creds, err := grpctls.LoadClientCredentials(
			c.cfg.TLS.CertFile,
			c.cfg.TLS.KeyFile,
			c.cfg.TLS.CAFile,
			c.cfg.TLS.ServerNameOverride,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
		slog.Info("Using TLS connection")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection (TLS disabled)")
	}

	return append(opts, c.cfg.DialOptions...), nil
}

// connect opens a stream and sends register on it. The register carries the
// local session flag so the coordinator can reconcile commands the agent
// missed while it was away.
func (c *Client) connect() (protocol.StreamClient, error) {
	slog.Info("Connecting to server", "address", c.cfg.ServerAddr)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		opts, err := c.dialOptions()
		if err != nil {
			return nil, err
		}
		conn, err = grpc.NewClient(c.cfg.ServerAddr, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to dial server: %w", err)
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}

	streamCtx, streamEnd := context.WithCancel(c.ctx)
	stream, err := protocol.NewCoordinatorClient(conn).Stream(streamCtx, grpc.WaitForReady(true))
	if err != nil {
		streamEnd()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	hello, err := protocol.NewEnvelope(protocol.KindRegister, protocol.Register{
		HardwareID: c.cfg.HardwareID,
		Name:       c.cfg.Name,
		IPAddress:  c.cfg.IPAddress,
		MACAddress: c.cfg.MACAddress,
		InSession:  c.session.State().Active,
	})
	if err != nil {
		streamEnd()
		return nil, err
	}
	if err := stream.Send(hello); err != nil {
		streamEnd()
		return nil, fmt.Errorf("failed to send register: %w", err)
	}

	c.mu.Lock()
	c.streamEnd = streamEnd
	c.connected = true
	c.mu.Unlock()

	slog.Info("Connected to server", "address", c.cfg.ServerAddr, "hardware_id", c.cfg.HardwareID)
	return stream, nil
}

// disconnect marks the client offline and cancels the stream context.
func (c *Client) disconnect() {
	c.mu.Lock()
	end := c.streamEnd
	c.streamEnd = nil
	c.connected = false
	c.mu.Unlock()

	if end != nil {
		end()
	}
}

// handleStream runs the per-stream loops until one fails or the client
// stops, and returns only after all of them have exited.
func (c *Client) handleStream(stream protocol.StreamClient) error {
	done := make(chan struct{})
	errChan := make(chan error, 2)

	var sender, others sync.WaitGroup
	sender.Add(1)
	go func() {
		defer sender.Done()
		c.sendLoop(stream, done, errChan)
	}()
	others.Add(2)
	go func() {
		defer others.Done()
		c.receiveLoop(stream, done, errChan)
	}()
	go func() {
		defer others.Done()
		c.heartbeatLoop(done)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)

	sender.Wait()
	c.disconnect()
	others.Wait()
	return err
}

func (c *Client) receiveLoop(stream protocol.StreamClient, done chan struct{}, errChan chan error) {
	for {
		env, err := stream.Recv()
		if err != nil {
			errChan <- err
			return
		}

		slog.Debug("Message received", "kind", env.Kind)

		select {
		case <-done:
			return
		default:
		}
		if err := c.dispatcher.Enqueue(c.ctx, env); err != nil {
			errChan <- err
			return
		}
	}
}

// sendLoop is the only writer on stream, so it also owns CloseSend.
func (c *Client) sendLoop(stream protocol.StreamClient, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			if err := stream.CloseSend(); err != nil {
				slog.Debug("Error closing send direction", "error", err)
			}
			return
		case env := <-c.sendCh:
			slog.Debug("Sending message", "kind", env.Kind)

			if err := stream.Send(env); err != nil {
				slog.Error("Error sending message", "kind", env.Kind, "error", err)
				errChan <- err
				return
			}
		}
	}
}

// heartbeatLoop reports status on a fixed interval. A heartbeat that cannot
// be queued in time is skipped.
func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.KindHeartbeat, c.session.Heartbeat(c.now()))
			if err != nil {
				slog.Error("Failed to build heartbeat", "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
			if err := c.Send(ctx, env); err != nil {
				slog.Warn("Heartbeat skipped", "error", err)
			}
			cancel()
		}
	}
}

// tickLoop drives the local countdown independently of the connection.
func (c *Client) tickLoop() {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkTimers(c.now())
		}
	}
}

func (c *Client) checkTimers(now time.Time) {
	if c.session.WarningDue(now, c.cfg.WarningMinutes) {
		r, _ := c.session.Reading(now)
		slog.Info("Session ending soon", "remaining_minutes", r.RemainingMinutes)
		if c.hooks.OnWarning != nil {
			c.hooks.OnWarning(r)
		}
	}
	if c.session.FinishedDue(now) {
		slog.Info("Session time finished")
		if c.hooks.OnFinished != nil {
			c.hooks.OnFinished()
		}
	}
}
