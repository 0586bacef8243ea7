// Package transport owns the connection to a hub: framing, request/response
// correlation and fan-out of unsolicited notifications.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/srg/stepbot/internal/groutine"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/ringchan"
)

// Options tune a Session. Zero values are replaced by the defaults in the tags.
type Options struct {
	// RequestTimeout bounds the wait for each response.
	RequestTimeout time.Duration `default:"5s"`
	// NotificationInterval is requested from the hub on connect; a negative value keeps device notifications off.
	NotificationInterval time.Duration `default:"5s"`
	// PacketInterval is the minimum spacing between two BLE writes.
	PacketInterval time.Duration `default:"0s"`
	// FallbackChunkSize is used for uploads when the hub did not report a chunk size.
	FallbackChunkSize int `default:"512"`
	// NotificationBuffer is the number of undelivered notifications kept before the oldest is dropped.
	NotificationBuffer int `default:"64"`
}

// DefaultOptions returns Options populated from their default tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// NotificationHandler receives unsolicited hub messages.
type NotificationHandler func(msg protocol.Message)

// DisconnectHandler is told that a connected session went away. cause is
// ErrLinkLost for a dropped link and nil for an explicit Disconnect.
type DisconnectHandler func(cause error)

// connection holds everything tied to one Link.
type connection struct {
	link   Link
	framer framer
	lost   chan struct{} // closed on teardown
	cause  error         // written before lost is closed
}

// queuedNotification remembers which connection a notification arrived on.
type queuedNotification struct {
	conn *connection
	msg  protocol.Message
}

type pendingRequest struct {
	expect protocol.MessageID
	ch     chan protocol.Message
}

// Session is a single hub connection with at most one request in flight.
type Session struct {
	dialer  Dialer
	opts    Options
	logger  *logrus.Logger
	limiter *rate.Limiter

	stateMu sync.Mutex
	state   State
	conn    *connection

	reqMu sync.Mutex // one request in flight

	pendingMu sync.Mutex
	pending   *pendingRequest

	info atomic.Pointer[protocol.InfoResponse]

	handlersMu         sync.RWMutex
	nextHandlerID      int
	notifyHandlers     map[int]NotificationHandler
	disconnectHandlers map[int]DisconnectHandler

	notifications *ringchan.RingChannel[queuedNotification]
	dispatchMu    sync.Mutex // held while notification or disconnect handlers run
	dispatchDone  <-chan struct{}
	closeOnce     sync.Once
}

// NewSession creates a disconnected session. opts may be nil.
func NewSession(dialer Dialer, opts *Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}

	o := DefaultOptions()
	if opts != nil {
		o = opts
		defaults.SetDefaults(o)
	}

	limit := rate.Inf
	if o.PacketInterval > 0 {
		limit = rate.Every(o.PacketInterval)
	}

	s := &Session{
		dialer:             dialer,
		opts:               *o,
		logger:             logger,
		limiter:            rate.NewLimiter(limit, 1),
		notifyHandlers:     make(map[int]NotificationHandler),
		disconnectHandlers: make(map[int]DisconnectHandler),
		notifications:      ringchan.New[queuedNotification](o.NotificationBuffer),
	}

	s.dispatchDone = groutine.Go(context.Background(), "hub-notification-dispatch", func(ctx context.Context) {
		for n := range s.notifications.C() {
			s.dispatch(n)
		}
	})

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// IsConnected reports whether requests can be sent.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Info returns what the hub reported during the handshake, or nil before the first connect.
func (s *Session) Info() *protocol.InfoResponse {
	return s.info.Load()
}

// Subscribe registers fn for unsolicited notifications and returns a function that removes it.
// Handlers run on a single dispatch goroutine, in arrival order, and never
// after the disconnect handlers of the connection the notification came from.
// They must not call Disconnect.
func (s *Session) Subscribe(fn NotificationHandler) (unsubscribe func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	id := s.nextHandlerID
	s.nextHandlerID++
	s.notifyHandlers[id] = fn

	return func() {
		s.handlersMu.Lock()
		delete(s.notifyHandlers, id)
		s.handlersMu.Unlock()
	}
}

// OnDisconnect registers fn to be called whenever a connected session goes away.
func (s *Session) OnDisconnect(fn DisconnectHandler) (unsubscribe func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	id := s.nextHandlerID
	s.nextHandlerID++
	s.disconnectHandlers[id] = fn

	return func() {
		s.handlersMu.Lock()
		delete(s.disconnectHandlers, id)
		s.handlersMu.Unlock()
	}
}

// Connect dials the hub and performs the handshake: an InfoRequest to learn
// transfer limits, then a DeviceNotificationRequest when an interval is configured.
func (s *Session) Connect(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateDisconnected {
		s.stateMu.Unlock()
		s.logger.Warn("Connection attempt while already connected")
		return ErrAlreadyConnected
	}
	conn := &connection{lost: make(chan struct{})}
	s.conn = conn
	s.state = StateConnecting
	s.stateMu.Unlock()

	s.logger.Info("Connecting to hub...")

	link, err := s.dialer.Dial(ctx, func(packet []byte) {
		s.onPacket(conn, packet)
	})
	if err != nil {
		s.teardown(conn, err)
		s.logger.WithError(err).Error("Failed to connect to hub")
		var cerr *ConnectionError
		if errors.As(err, &cerr) {
			return err
		}
		return &ConnectionError{State: DialFailed, Err: err}
	}

	s.stateMu.Lock()
	conn.link = link
	s.stateMu.Unlock()

	if dropped := link.Disconnected(); dropped != nil {
		groutine.Go(context.Background(), "hub-link-monitor", func(context.Context) {
			select {
			case <-dropped:
				s.logger.Warn("Hub link dropped")
				s.teardown(conn, ErrLinkLost)
			case <-conn.lost:
			}
		})
	}

	info, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.WithError(err).Error("Hub handshake failed")
		s.teardown(conn, err)
		var terr *TransportError
		if errors.As(err, &terr) {
			return err
		}
		return &TransportError{Op: "handshake", Err: err}
	}

	s.stateMu.Lock()
	if s.conn != conn {
		// link dropped between the handshake and here
		s.stateMu.Unlock()
		return &TransportError{Op: "handshake", Err: ErrLinkLost}
	}
	s.state = StateConnected
	s.stateMu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"firmware":        info.FirmwareVersion(),
		"rpc":             info.RPCVersion(),
		"max_packet_size": info.MaxPacketSize,
		"max_chunk_size":  info.MaxChunkSize,
	}).Info("Hub connected")

	return nil
}

func (s *Session) handshake(ctx context.Context, conn *connection) (*protocol.InfoResponse, error) {
	msg, err := s.roundTrip(ctx, conn, protocol.InfoRequest{}, protocol.IDInfoResponse)
	if err != nil {
		return nil, err
	}
	info := msg.(*protocol.InfoResponse)
	s.info.Store(info)

	if s.opts.NotificationInterval <= 0 {
		return info, nil
	}

	interval := s.opts.NotificationInterval.Milliseconds()
	if interval > 0xFFFF {
		interval = 0xFFFF
	}
	req := protocol.DeviceNotificationRequest{IntervalMS: uint16(interval)}
	msg, err = s.roundTrip(ctx, conn, req, protocol.IDDeviceNotificationResponse)
	if err != nil {
		return nil, err
	}
	if !msg.(*protocol.DeviceNotificationResponse).Success {
		return nil, &RejectedError{Request: req.ID()}
	}

	return info, nil
}

// Disconnect tears the connection down. It never fails from the caller's
// point of view; an in-flight request is rejected with a TransportError.
func (s *Session) Disconnect() {
	s.stateMu.Lock()
	conn := s.conn
	s.stateMu.Unlock()

	if conn == nil {
		s.logger.Debug("Disconnect called but already disconnected")
		return
	}

	s.teardown(conn, nil)
	s.logger.Info("Hub disconnected")
}

// Close disconnects and stops notification delivery. The session cannot be reused.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.notifications.Close()
		<-s.dispatchDone
	})
}

// teardown is idempotent per connection.
func (s *Session) teardown(conn *connection, cause error) {
	s.stateMu.Lock()
	if s.conn != conn {
		s.stateMu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	s.conn = nil
	s.state = StateDisconnected
	s.info.Store(nil)

	if cause == nil {
		conn.cause = ErrDisconnected
	} else {
		conn.cause = cause
	}
	close(conn.lost)
	link := conn.link
	s.stateMu.Unlock()

	conn.framer.Reset()

	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.WithError(err).Debug("Link close failed")
		}
	}

	if wasConnected {
		s.handlersMu.RLock()
		handlers := make([]DisconnectHandler, 0, len(s.disconnectHandlers))
		for _, h := range s.disconnectHandlers {
			handlers = append(handlers, h)
		}
		s.handlersMu.RUnlock()

		reported := cause
		if errors.Is(cause, ErrDisconnected) {
			reported = nil
		}

		// a notification being delivered finishes first; later ones see conn gone
		s.dispatchMu.Lock()
		for _, h := range handlers {
			h(reported)
		}
		s.dispatchMu.Unlock()
	}
}

// SendRequest sends req and waits for the response with ID expect.
func (s *Session) SendRequest(ctx context.Context, req protocol.Request, expect protocol.MessageID) (protocol.Message, error) {
	s.stateMu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.stateMu.Unlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	return s.roundTrip(ctx, conn, req, expect)
}

func (s *Session) roundTrip(ctx context.Context, conn *connection, req protocol.Request, expect protocol.MessageID) (protocol.Message, error) {
	payload, err := req.Serialize()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.ID(), err)
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	p := &pendingRequest{expect: expect, ch: make(chan protocol.Message, 1)}
	s.pendingMu.Lock()
	s.pending = p
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.pendingMu.Unlock()
	}()

	if err := s.writeFrame(ctx, conn, protocol.Pack(payload)); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"request": req.ID().String(),
		"expect":  expect.String(),
	}).Debug("Request sent")

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case msg := <-p.ch:
		return msg, nil
	case <-conn.lost:
		return nil, &TransportError{Op: req.ID().String(), Err: conn.cause}
	case <-timer.C:
		s.logger.WithField("request", req.ID().String()).Warn("Request timed out")
		return nil, &RequestTimeoutError{Request: req.ID(), Expected: expect, Timeout: s.opts.RequestTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame splits frame into packets no larger than the hub's max packet size.
func (s *Session) writeFrame(ctx context.Context, conn *connection, frame []byte) error {
	s.stateMu.Lock()
	link := conn.link
	s.stateMu.Unlock()

	select {
	case <-conn.lost:
		return &TransportError{Op: "write", Err: conn.cause}
	default:
	}
	if link == nil {
		return &TransportError{Op: "write", Err: ErrLinkLost}
	}

	packetSize := len(frame)
	if info := s.info.Load(); info != nil && info.MaxPacketSize > 0 {
		packetSize = int(info.MaxPacketSize)
	}

	for off := 0; off < len(frame); off += packetSize {
		end := min(off+packetSize, len(frame))
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := link.Write(frame[off:end]); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	return nil
}

// onPacket runs on the link's notification goroutine.
func (s *Session) onPacket(conn *connection, packet []byte) {
	for _, frame := range conn.framer.Push(packet) {
		payload, err := protocol.Unpack(frame)
		if err != nil {
			s.logger.WithError(err).Debug("Dropping undecodable frame")
			continue
		}

		msg, err := protocol.Deserialize(payload)
		if err != nil {
			s.logger.WithError(err).Debug("Dropping unknown message")
			continue
		}

		s.route(conn, msg)
	}
}

func (s *Session) route(conn *connection, msg protocol.Message) {
	s.pendingMu.Lock()
	p := s.pending
	if p != nil && p.expect == msg.ID() {
		s.pending = nil
	} else {
		p = nil
	}
	s.pendingMu.Unlock()

	if p != nil {
		p.ch <- msg
		return
	}

	if msg.ID().IsNotification() {
		if s.notifications.Send(queuedNotification{conn: conn, msg: msg}) {
			s.logger.Debug("Notification buffer full, dropped oldest")
		}
		return
	}

	s.logger.WithField("message", msg.ID().String()).Debug("Dropping unexpected response")
}

func (s *Session) dispatch(n queuedNotification) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.stateMu.Lock()
	current := s.conn == n.conn
	s.stateMu.Unlock()
	if !current {
		s.logger.WithField("message", n.msg.ID().String()).Debug("Dropping notification from a closed connection")
		return
	}

	s.handlersMu.RLock()
	handlers := make([]NotificationHandler, 0, len(s.notifyHandlers))
	for _, h := range s.notifyHandlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		h(n.msg)
	}
}
