// Package pbx implements the client side of the PBX manager interface: a
// line-oriented TCP protocol of Key: Value frames separated by blank lines,
// carrying both request/response pairs and an asynchronous event stream.
package pbx

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State of the manager-interface connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateGreeted
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateGreeted:
		return "greeted"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Event is one parsed frame from the manager interface. Responses and
// asynchronous events share the same shape.
type Event map[string]string

// Config holds manager-interface connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	ConnectTimeout time.Duration
	ActionTimeout  time.Duration
	ReloadTimeout  time.Duration

	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5038
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 5 * time.Second
	}
	if c.ReloadTimeout == 0 {
		c.ReloadTimeout = 10 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Client maintains one manager-interface connection with automatic
// reconnect. A single reader goroutine tokenises the stream; writes are
// serialised by a mutex. Event handlers run on the reader goroutine so
// events for one call arrive in wire order.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conn  net.Conn
	state State

	writeMu sync.Mutex

	actionSeq atomic.Uint64
	waiterMu  sync.Mutex
	waiters   map[string]chan Event

	handlerMu sync.RWMutex
	handlers  []func(Event)

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewClient creates a manager-interface client. Call Start to connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string]chan Event),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnEvent registers a handler for asynchronous events. Handlers must be
// registered before Start; they run sequentially on the reader goroutine.
func (c *Client) OnEvent(fn func(Event)) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, fn)
	c.handlerMu.Unlock()
}

// Start launches the connection manager. It returns immediately; the
// first connect happens in the background.
func (c *Client) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

// Close shuts the client down and waits for the connection manager.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	if c.started.Load() {
		<-c.done
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Healthy reports whether the client is authenticated and usable.
func (c *Client) Healthy() bool {
	return c.State() == StateAuthenticated
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run owns reconnection. Only one connect is ever in flight; back-off
// grows linearly with the attempt count (base * min(attempts, 6)) and the
// client gives up after MaxReconnectAttempts, surfacing unhealthy until
// restarted.
func (c *Client) run() {
	defer close(c.done)

	attempts := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.connectAndServe(&attempts)
		if err == nil {
			return // shut down
		}

		attempts++
		if attempts > c.cfg.MaxReconnectAttempts {
			c.logger.Error("pbx reconnect attempts exhausted, giving up",
				"attempts", attempts-1)
			c.setState(StateDisconnected)
			return
		}

		factor := attempts
		if factor > 6 {
			factor = 6
		}
		delay := c.cfg.ReconnectBase * time.Duration(factor)
		c.logger.Warn("pbx connection lost, reconnecting",
			"error", err, "attempt", attempts, "delay", delay)

		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials, authenticates and then blocks serving the
// connection until it breaks. A nil return means clean shutdown.
func (c *Client) connectAndServe(attempts *int) error {
	c.setState(StateConnecting)

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	reader := bufio.NewReader(conn)

	// The server speaks first with a one-line banner.
	conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading banner: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.state = StateGreeted
	c.mu.Unlock()

	c.logger.Debug("pbx greeting received", "banner", strings.TrimSpace(banner))

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(reader)
	}()

	if err := c.login(); err != nil {
		conn.Close()
		<-readerDone
		c.failWaiters()
		c.setState(StateDisconnected)
		return fmt.Errorf("logging in: %w", err)
	}

	c.setState(StateAuthenticated)
	*attempts = 0
	c.logger.Info("pbx connected", "addr", addr)

	// Narrow the event stream to the classes the tracker consumes.
	if _, err := c.SendAction("Events", map[string]string{"EventMask": "call,cdr"}, 0); err != nil {
		c.logger.Warn("pbx event mask not applied", "error", err)
	}

	<-readerDone
	c.failWaiters()
	c.setState(StateDisconnected)

	select {
	case <-c.stop:
		return nil
	default:
		return fmt.Errorf("connection closed")
	}
}

func (c *Client) login() error {
	response, err := c.SendAction("Login", map[string]string{
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Password,
	}, 0)
	if err != nil {
		return err
	}
	if response["Response"] != "Success" {
		msg := response["Message"]
		if msg == "" {
			msg = "authentication rejected"
		}
		return fmt.Errorf("%s: %w", msg, ErrNotAuthenticated)
	}
	return nil
}

// readLoop reads frames until the connection breaks, routing responses to
// their waiters and events to the registered handlers.
func (c *Client) readLoop(reader *bufio.Reader) {
	for {
		frame, err := readFrame(reader)
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				c.logger.Debug("pbx read failed", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		if actionID := frame["ActionID"]; actionID != "" {
			c.waiterMu.Lock()
			waiter, ok := c.waiters[actionID]
			c.waiterMu.Unlock()
			if ok {
				select {
				case waiter <- frame:
				default:
				}
				continue
			}
		}

		if frame["Event"] != "" {
			c.dispatch(frame)
		}
	}
}

func (c *Client) dispatch(event Event) {
	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}

// readFrame reads Key: Value lines until a blank line.
func readFrame(reader *bufio.Reader) (Event, error) {
	event := make(Event)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(event) > 0 {
				return event, nil
			}
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			event[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
		}
	}
}

// SendAction submits an action and waits for the correlated response.
// A zero timeout uses the configured default. Callers other than the
// login path require the authenticated state.
func (c *Client) SendAction(action string, fields map[string]string, timeout time.Duration) (Event, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrDisconnected
	}
	if action != "Login" && state != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}
	if timeout == 0 {
		timeout = c.cfg.ActionTimeout
	}

	actionID := strconv.FormatUint(c.actionSeq.Add(1), 10)
	waiter := make(chan Event, 1)

	c.waiterMu.Lock()
	c.waiters[actionID] = waiter
	c.waiterMu.Unlock()
	defer func() {
		c.waiterMu.Lock()
		delete(c.waiters, actionID)
		c.waiterMu.Unlock()
	}()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Action: %s\r\n", action)
	fmt.Fprintf(&sb, "ActionID: %s\r\n", actionID)
	for key, value := range fields {
		fmt.Fprintf(&sb, "%s: %s\r\n", key, value)
	}
	sb.WriteString("\r\n")

	c.writeMu.Lock()
	_, err := conn.Write([]byte(sb.String()))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing action %s: %w", action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response, ok := <-waiter:
		if !ok {
			return nil, ErrDisconnected
		}
		return response, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.stop:
		return nil, ErrDisconnected
	}
}

// failWaiters completes every pending waiter with ErrDisconnected by
// closing its channel.
func (c *Client) failWaiters() {
	c.waiterMu.Lock()
	for id, waiter := range c.waiters {
		close(waiter)
		delete(c.waiters, id)
	}
	c.waiterMu.Unlock()
}
