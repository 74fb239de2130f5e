// Package realtime follows one analysis job from the outside: a websocket
// push channel with reconnect backoff, and HTTP polling whenever the push
// channel is down.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/logging"
	"github.com/zerverless/analysisd/internal/ws"
)

type Options struct {
	BaseURL string
	JobID   string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	WriteTimeout      time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  uint64

	API    *API
	Dialer Dialer

	// OnReconnect is called from the client loop each time a reconnect is
	// scheduled.
	OnReconnect func(attempt int, delay time.Duration)
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.API == nil {
		o.API = &API{BaseURL: o.BaseURL}
	}
	if o.Dialer == nil {
		o.Dialer = DialWebsocket
	}
}

// NewBackoff returns the reconnect schedule: base, doubling, capped, and
// stopping after max retries.
func NewBackoff(base, cap time.Duration, max uint64) retry.Backoff {
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(cap, b)
	return retry.WithMaxRetries(max, b)
}

type (
	dialResult struct {
		gen  int
		conn Conn
		err  error
	}
	frameResult struct {
		gen  int
		data []byte
		err  error
	}
	writeResult struct {
		gen int
		err error
	}
	fetchResult struct {
		job *job.Job
		err error
	}
	onlineEvent  bool
	connectEvent struct{}
)

// Client owns one job's connection. Run is the only goroutine that touches
// connection state; helpers do blocking I/O and report back as events.
type Client struct {
	opts    Options
	pushURL string
	logger  zerolog.Logger

	events  chan any
	updates chan View
	stop    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
	view     View

	// loop-owned
	state     State
	conn      Conn
	gen       int
	backoff   retry.Backoff
	attempts  int
	lastErr   error
	gaveUp    bool
	online    bool
	fetching  bool
	heartbeat *time.Ticker
	poll      *time.Ticker
	reconnect *time.Timer
	ledger    *ledger
	ioCtx     context.Context
}

func New(opts Options) (*Client, error) {
	if opts.JobID == "" {
		return nil, errors.New("job id is required")
	}
	opts.defaults()
	if opts.API.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	pushURL, err := opts.API.PushURL(opts.JobID)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:    opts,
		pushURL: pushURL,
		logger:  logging.ForComponent("realtime").With().Str("job_id", opts.JobID).Logger(),
		events:  make(chan any, 16),
		updates: make(chan View, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		online:  true,
		ledger:  newLedger(),
	}
	c.backoff = c.newBackoff()
	c.view = View{State: Disconnected, Online: true}
	return c, nil
}

func (c *Client) newBackoff() retry.Backoff {
	return NewBackoff(c.opts.BackoffBase, c.opts.BackoffCap, c.opts.MaxRetries)
}

// View returns a copy of the current observable state.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Updates delivers views as they change. A slow reader only sees the latest.
func (c *Client) Updates() <-chan View {
	return c.updates
}

// Connect asks the loop to open the push channel if it is not already open.
// It also clears a previous give-up.
func (c *Client) Connect() {
	c.send(connectEvent{})
}

// SetOnline feeds a network connectivity signal into the client.
func (c *Client) SetOnline(online bool) {
	c.send(onlineEvent(online))
}

// Cancel asks the server to cancel the job. Local state changes only when a
// snapshot shows it.
func (c *Client) Cancel(ctx context.Context) error {
	return c.opts.API.Cancel(ctx, c.opts.JobID)
}

func (c *Client) Restart(ctx context.Context) error {
	return c.opts.API.Restart(ctx, c.opts.JobID)
}

// Disconnect closes the push channel and stops every timer. When Run is
// active it returns after Run has released everything.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Client) send(ev any) {
	select {
	case c.events <- ev:
	case <-c.stop:
	case <-c.done:
	}
}

// Run drives the client until Disconnect or ctx ends. It returns nil after
// Disconnect and ctx.Err() otherwise.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already running")
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	ioCtx, cancelIO := context.WithCancel(ctx)
	c.ioCtx = ioCtx
	defer func() {
		c.teardown()
		cancelIO()
		c.publish()
	}()

	c.fetch()
	c.ensurePolling()
	c.connect()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			c.logger.Debug().Msg("disconnected by caller")
			return nil

		case ev := <-c.events:
			c.handle(ev)

		case <-tickerC(c.heartbeat):
			c.sendHeartbeat()
		case <-tickerC(c.poll):
			c.fetch()
		case <-timerC(c.reconnect):
			c.reconnect = nil
			c.connect()
		}
		c.publish()
	}
}

func (c *Client) handle(ev any) {
	switch ev := ev.(type) {
	case dialResult:
		c.onDial(ev)
	case frameResult:
		c.onFrame(ev)
	case writeResult:
		if ev.gen != c.gen || ev.err == nil {
			return
		}
		c.logger.Debug().Err(ev.err).Msg("heartbeat failed, reconnecting")
		c.lastErr = &TransportError{Op: "heartbeat", Err: ev.err}
		c.closeTransport()
		c.connect()
	case fetchResult:
		c.fetching = false
		if ev.err != nil {
			c.logger.Debug().Err(ev.err).Msg("poll failed")
			return
		}
		c.ledger.apply(ev.job)
	case onlineEvent:
		c.onOnline(bool(ev))
	case connectEvent:
		if c.gaveUp {
			c.gaveUp = false
			c.lastErr = nil
			c.attempts = 0
			c.backoff = c.newBackoff()
		}
		c.connect()
	}
}

func (c *Client) connect() {
	if c.state != Disconnected || !c.online || c.gaveUp {
		return
	}
	stopTimer(c.reconnect)
	c.reconnect = nil

	c.state = Connecting
	c.gen++
	gen := c.gen
	ctx := c.ioCtx
	go func() {
		conn, err := c.opts.Dialer(ctx, c.pushURL)
		c.report(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (c *Client) onDial(ev dialResult) {
	if ev.gen != c.gen || c.state != Connecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		c.state = Disconnected
		c.lastErr = &TransportError{Op: "dial", Err: ev.err}
		c.ensurePolling()
		c.scheduleReconnect()
		return
	}

	c.state = Connected
	c.conn = ev.conn
	c.backoff = c.newBackoff()
	c.attempts = 0
	c.lastErr = nil
	c.stopPolling()
	c.heartbeat = time.NewTicker(c.opts.HeartbeatInterval)
	c.logger.Info().Msg("push channel connected")

	gen, conn, ctx := c.gen, c.conn, c.ioCtx
	go func() {
		for {
			data, err := conn.Read(ctx)
			c.report(frameResult{gen: gen, data: data, err: err})
			if err != nil {
				return
			}
		}
	}()
}

func (c *Client) onFrame(ev frameResult) {
	if ev.gen != c.gen {
		return
	}
	if ev.err != nil {
		c.closeTransport()
		if errors.Is(ev.err, ErrClosedCleanly) {
			c.logger.Info().Msg("push channel closed by server")
			return
		}
		c.lastErr = &TransportError{Op: "read", Err: ev.err}
		c.logger.Warn().Err(ev.err).Msg("push channel lost")
		c.scheduleReconnect()
		return
	}
	j, err := decodeFrame(ev.data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ignored push frame")
		return
	}
	c.ledger.apply(j)
}

func (c *Client) sendHeartbeat() {
	if c.state != Connected {
		return
	}
	gen, conn, ctx := c.gen, c.conn, c.ioCtx
	timeout := c.opts.WriteTimeout
	go func() {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := conn.Write(wctx, ws.HeartbeatMessage{Type: ws.TypeHeartbeat})
		c.report(writeResult{gen: gen, err: err})
	}()
}

func (c *Client) scheduleReconnect() {
	if !c.online || c.reconnect != nil {
		return
	}
	delay, stop := c.backoff.Next()
	if stop {
		c.gaveUp = true
		c.lastErr = &RetriesExhaustedError{Attempts: c.attempts, Last: c.lastErr}
		c.logger.Error().Err(c.lastErr).Msg("giving up on push channel")
		return
	}
	c.attempts++
	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect(c.attempts, delay)
	}
	c.reconnect = time.NewTimer(delay)
}

func (c *Client) onOnline(online bool) {
	if online == c.online {
		return
	}
	c.online = online
	if !online {
		c.logger.Info().Msg("network offline")
		stopTimer(c.reconnect)
		c.reconnect = nil
		c.stopPolling()
		return
	}

	c.logger.Info().Msg("network online")
	c.gaveUp = false
	c.attempts = 0
	c.backoff = c.newBackoff()
	c.fetch()
	if c.state == Disconnected {
		c.ensurePolling()
		c.connect()
	}
}

// closeTransport drops the current connection. Events from it are ignored
// afterwards.
func (c *Client) closeTransport() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go conn.Close()
	}
	c.gen++
	c.state = Disconnected
	c.ensurePolling()
}

func (c *Client) ensurePolling() {
	if c.poll != nil || !c.online || c.state == Connected {
		return
	}
	c.poll = time.NewTicker(c.opts.PollInterval)
}

func (c *Client) stopPolling() {
	if c.poll != nil {
		c.poll.Stop()
		c.poll = nil
	}
}

func (c *Client) fetch() {
	if c.fetching || !c.online || c.state == Connected {
		return
	}
	c.fetching = true
	ctx := c.ioCtx
	go func() {
		j, err := c.opts.API.Fetch(ctx, c.opts.JobID)
		c.report(fetchResult{job: j, err: err})
	}()
}

// report hands an I/O completion to the loop, or discards it once the loop
// has exited.
func (c *Client) report(ev any) {
	select {
	case c.events <- ev:
	case <-c.ioCtx.Done():
		if d, ok := ev.(dialResult); ok && d.conn != nil {
			d.conn.Close()
		}
	}
}

func (c *Client) teardown() {
	stopTimer(c.reconnect)
	c.reconnect = nil
	c.stopPolling()
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = Disconnected
}

func (c *Client) publish() {
	v := View{
		State:             c.state,
		Job:               c.ledger.job.Clone(),
		Logs:              append([]job.Message(nil), c.ledger.logs...),
		Online:            c.online,
		WaitingForNetwork: !c.online,
		GaveUp:            c.gaveUp,
		Attempts:          c.attempts,
		ConnError:         c.lastErr,
	}
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()

	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- v.clone():
	default:
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
