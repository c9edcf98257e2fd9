// Package client implements the canvas-side half of the sync core: a
// reconnecting transport owning the single outbound channel to the hub,
// and a reconciliation layer that applies inbound traffic to the
// external renderer.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

// State is the transport's connection phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	return []string{"disconnected", "connecting", "connected"}[s]
}

// ErrRetriesExhausted is surfaced once the reconnect attempt budget is
// spent; the transport parks in disconnected until Connect is called
// again.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Event is delivered on Events(): either a StateChange or an Inbound.
type Event interface {
	transportEvent()
}

// StateChange reports a phase transition. Err is non-nil only for the
// terminal retries-exhausted transition.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

func (StateChange) transportEvent() {}

// Inbound wraps one decoded server frame.
type Inbound struct {
	Msg protocol.Message
}

func (Inbound) transportEvent() {}

// Conn is the minimal websocket surface the transport needs; tests
// substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the underlying channel to the hub.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer dials url with the default gorilla dialer.
func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// TransportOptions configures the reconnect schedule and the liveness
// probe. Zero values mean "use the default".
type TransportOptions struct {
	MaxAttempts   int           // consecutive reconnects before parking (default 5)
	BaseDelay     time.Duration // first retry delay (default 1s)
	BackoffFactor float64       // delay multiplier (default 1.5)
	ProbeInterval time.Duration // ping period while connected (default 30s)
	EventBuffer   int           // Events() channel depth (default 64)
	Logger        utils.Logger
}

func (o *TransportOptions) SetDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = 1.5
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// newReconnectBackoff builds the retry schedule: base, base*factor,
// base*factor^2, ... with no jitter, so successive delays for the
// defaults are 1s, 1.5s, 2.25s, 3.375s, 5.0625s.
func newReconnectBackoff(base time.Duration, factor float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = factor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0 // the attempt budget is the only stop condition
	b.Reset()
	return b
}

type command struct {
	connect    bool
	disconnect bool
	frame      []byte
}

// Transport owns the client's single outbound channel to the hub, with
// an explicit disconnected/connecting/connected state machine. While
// disconnected it queues outbound frames FIFO and flushes them in order
// on the next successful connect. All state is confined to one event
// loop goroutine: commands, dial results, inbound frames and timers are
// its only inputs, so none of them ever race.
type Transport struct {
	log  utils.Logger
	opts TransportOptions
	dial Dialer

	commands chan command
	events   chan Event

	latencyMs atomic.Int64 // last measured RTT, -1 while unknown
	avgRTT    *utils.AvgVal

	now func() time.Time

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
}

func NewTransport(dial Dialer, opts TransportOptions) *Transport {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		log:       opts.Logger,
		opts:      opts,
		dial:      dial,
		commands:  make(chan command, 64),
		events:    make(chan Event, opts.EventBuffer),
		avgRTT:    &utils.AvgVal{},
		now:       time.Now,
		ctx:       ctx,
		cancelCtx: cancel,
	}
	t.latencyMs.Store(-1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run()
	}()
	return t
}

// Events delivers state changes and inbound frames in arrival order.
func (t *Transport) Events() <-chan Event { return t.events }

// Connect asks the loop to open the channel; it also restarts a
// transport parked after exhausting its retries.
func (t *Transport) Connect() {
	select {
	case t.commands <- command{connect: true}:
	case <-t.ctx.Done():
	}
}

// Disconnect drops the connection and suppresses any scheduled retry.
func (t *Transport) Disconnect() {
	select {
	case t.commands <- command{disconnect: true}:
	case <-t.ctx.Done():
	}
}

// Send transmits msg now if connected, otherwise appends it to the
// pending queue. The queue is unbounded; bounding it is future
// hardening, not this transport's concern.
func (t *Transport) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case t.commands <- command{frame: frame}:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// LatencyMs is the last measured round trip in milliseconds, or -1
// while unknown.
func (t *Transport) LatencyMs() int64 { return t.latencyMs.Load() }

// AvgLatencyMs is the running mean over all probes this session.
func (t *Transport) AvgLatencyMs() float64 { return t.avgRTT.Val() }

func (t *Transport) Close() error {
	t.cancelCtx()
	t.wg.Wait()
	return nil
}

type dialResult struct {
	gen  int
	conn Conn
	err  error
}

// run is the single event loop; every field below is owned by it alone.
func (t *Transport) run() {
	var (
		state    = StateDisconnected
		pending  [][]byte
		attempt  int
		conn     Conn
		inbound  chan []byte
		dials    = make(chan dialResult, 1)
		dialGen  int
		retry    *time.Timer
		retryC   <-chan time.Time
		schedule = newReconnectBackoff(t.opts.BaseDelay, t.opts.BackoffFactor)
	)

	probe := time.NewTicker(t.opts.ProbeInterval)
	probe.Stop()
	defer probe.Stop()

	setState := func(s State, err error) {
		state = s
		t.emit(StateChange{State: s, Attempt: attempt, Err: err})
	}

	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}

	// startDial tags the attempt with the current generation; results of
	// dials superseded by a Disconnect or a newer Connect are discarded
	// when they land.
	startDial := func() {
		setState(StateConnecting, nil)
		dialGen++
		go func(gen int) {
			c, err := t.dial(t.ctx)
			select {
			case dials <- dialResult{gen: gen, conn: c, err: err}:
			case <-t.ctx.Done():
				if c != nil {
					c.Close()
				}
			}
		}(dialGen)
	}

	// onDown runs the connected/connecting -> disconnected transition
	// and schedules the next attempt while budget remains.
	onDown := func(err error) {
		if conn != nil {
			conn.Close()
			conn, inbound = nil, nil
		}
		probe.Stop()
		if attempt >= t.opts.MaxAttempts {
			t.log.Warn("transport: giving up", "attempts", attempt, "err", err)
			setState(StateDisconnected, ErrRetriesExhausted)
			return
		}
		delay := schedule.NextBackOff()
		attempt++
		t.log.Info("transport: reconnecting", "attempt", attempt, "delay", delay, "err", err)
		setState(StateDisconnected, nil)
		retry = time.NewTimer(delay)
		retryC = retry.C
	}

	for {
		select {
		case <-t.ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return

		case cmd := <-t.commands:
			switch {
			case cmd.connect:
				if state == StateConnecting {
					continue
				}
				stopRetry()
				if conn != nil {
					conn.Close()
					conn, inbound = nil, nil
					probe.Stop()
				}
				attempt = 0
				schedule.Reset()
				startDial()

			case cmd.disconnect:
				stopRetry()
				attempt = 0
				schedule.Reset()
				dialGen++ // any dial still in flight must not resurrect us
				if conn != nil {
					conn.Close()
					conn, inbound = nil, nil
				}
				probe.Stop()
				if state != StateDisconnected {
					setState(StateDisconnected, nil)
				}

			case cmd.frame != nil:
				if state == StateConnected && conn != nil {
					if err := conn.WriteMessage(websocket.TextMessage, cmd.frame); err != nil {
						pending = append(pending, cmd.frame)
						onDown(err)
					}
				} else {
					pending = append(pending, cmd.frame)
				}
			}

		case res := <-dials:
			if res.gen != dialGen {
				if res.conn != nil {
					res.conn.Close()
				}
				continue
			}
			if res.err != nil {
				onDown(res.err)
				continue
			}
			conn = res.conn
			attempt = 0
			schedule.Reset()
			setState(StateConnected, nil)
			probe.Reset(t.opts.ProbeInterval)

			// flush in original order; a failure mid-flush re-queues the rest
			for len(pending) > 0 {
				frame := pending[0]
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					onDown(err)
					break
				}
				pending = pending[1:]
			}
			if conn == nil {
				continue
			}
			inbound = make(chan []byte, 32)
			t.wg.Add(1)
			go t.keepReading(conn, inbound)

		case data, ok := <-inbound:
			if !ok {
				onDown(errors.New("connection closed"))
				continue
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				t.log.Warn("transport: dropping frame", "err", err)
				continue
			}
			if pong, isPong := msg.(*protocol.Pong); isPong {
				rtt := t.now().UnixMilli() - pong.Timestamp
				t.latencyMs.Store(rtt)
				t.avgRTT.Add(float64(rtt))
			}
			t.emit(Inbound{Msg: msg})

		case <-retryC:
			stopRetry()
			startDial()

		case <-probe.C:
			if state == StateConnected && conn != nil {
				// fire-and-forget: a lost pong costs only the RTT sample
				frame := protocol.MustEncode(protocol.NewPing(t.now().UnixMilli()))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					onDown(err)
				}
			}
		}
	}
}

// keepReading pumps frames off one connection until it dies; closing
// the channel is the loop's close signal.
func (t *Transport) keepReading(conn Conn, inbound chan<- []byte) {
	defer t.wg.Done()
	defer close(inbound)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case inbound <- data:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
