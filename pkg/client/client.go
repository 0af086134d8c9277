// Package client implements a websocket client for the office-hours queue
// server. It keeps one protocol.Projection per joined queue and asks for a
// fresh snapshot whenever a view falls behind.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
	"github.com/NicolasHaas/officehours/pkg/version"
)

// ErrClosed is returned by requests made on a closed connection.
var ErrClosed = errors.New("client: connection closed")

const (
	helloTimeout = 10 * time.Second

	rejoinInitialInterval = 250 * time.Millisecond
	rejoinMaxInterval     = 5 * time.Second
)

// Options configures Dial.
type Options struct {
	// ServerURL is the server base URL, e.g. http://localhost:8080.
	ServerURL string
	Token     string
	// Origin defaults to the scheme and host of ServerURL.
	Origin string
	// InsecureSkipVerify accepts self-signed server certificates.
	InsecureSkipVerify bool
	MaxTombstones      int
}

// View is a copy of one queue projection at a point in time.
type View struct {
	QueueID   int64
	Queue     *model.Queue
	Epoch     string
	Seq       uint64
	Deleted   bool
	// Stale is set while the view waits for a snapshot.
	Stale     bool
	Questions []model.Question
}

// UpdateHandler is called from the receive goroutine after a view changes.
type UpdateHandler func(v View)

// Client is one websocket connection to the server.
type Client struct {
	conn  *websocket.Conn
	hello protocol.HelloPayload

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu            sync.Mutex
	views         map[int64]*protocol.Projection
	resyncing     map[int64]bool
	pending       map[string]chan protocol.Frame
	handler       UpdateHandler
	maxTombstones int

	// lastServerErr is the latest error frame not tied to a request.
	lastServerErr error

	// ctx ends when the connection does.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the server and waits for its hello frame.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	wsURL, origin, err := endpoint(opts)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("client: websocket config: %w", err)
	}
	cfg.Header.Set("User-Agent", version.UserAgent("officehours-client"))
	if opts.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if strings.HasPrefix(wsURL, "wss://") {
		cfg.TlsConfig = &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, // self-signed certs
			MinVersion:         tls.VersionTLS13,
		}
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", wsURL, err)
	}

	deadline := time.Now().Add(helloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var frame protocol.Frame
	if err := websocket.JSON.Receive(conn, &frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello protocol.HelloPayload
	if frame.Type != protocol.FrameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("client: unexpected first frame %q", frame.Type)
	}
	if err := frame.DecodePayload(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:           cctx,
		cancel:        cancel,
		conn:          conn,
		hello:         hello,
		views:         make(map[int64]*protocol.Projection),
		resyncing:     make(map[int64]bool),
		pending:       make(map[string]chan protocol.Frame),
		maxTombstones: opts.MaxTombstones,
		done:          make(chan struct{}),
	}, nil
}

func endpoint(opts Options) (string, string, error) {
	base, err := url.Parse(opts.ServerURL)
	if err != nil {
		return "", "", fmt.Errorf("client: server url: %w", err)
	}
	u := *base
	switch base.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("client: unsupported scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return "", "", fmt.Errorf("client: server url %q has no host", opts.ServerURL)
	}
	u.Path = strings.TrimSuffix(base.Path, "/") + "/ws"
	u.RawQuery = ""

	origin := opts.Origin
	if origin == "" {
		origin = base.Scheme + "://" + base.Host
	}
	return u.String(), origin, nil
}

// Hello returns what the server reported when the connection opened.
func (c *Client) Hello() protocol.HelloPayload { return c.hello }

// SetUpdateHandler sets the callback for view changes. Set it before
// StartReceiving.
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// StartReceiving starts the goroutine that reads frames. Requests block
// until it delivers their reply, so it must run before Join or Leave.
func (c *Client) StartReceiving() {
	go c.receive()
}

func (c *Client) receive() {
	for {
		var frame protocol.Frame
		if err := websocket.JSON.Receive(c.conn, &frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				slog.Debug("connection closed")
				c.mu.Lock()
				last := c.lastServerErr
				c.mu.Unlock()
				c.shutdown(last)
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			slog.Error("read failed", "err", err)
			c.shutdown(err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameEvent:
		var ev protocol.Event
		if err := frame.DecodePayload(&ev); err != nil {
			slog.Warn("dropping undecodable event", "err", err)
			return
		}
		c.apply(ev)

	case protocol.FrameAck, protocol.FramePong, protocol.FrameError:
		c.mu.Lock()
		ch, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- frame
			return
		}
		if frame.Type != protocol.FrameError {
			return
		}
		body, err := decodeError(frame)
		if err != nil {
			slog.Warn("dropping undecodable error frame", "err", err)
			return
		}
		serverErr := errorz.FromCode(body.Code, body.Message)
		slog.Warn("server error", "queue", body.QueueID, "err", serverErr)
		c.mu.Lock()
		c.lastServerErr = serverErr
		c.mu.Unlock()
		if body.QueueID != 0 {
			c.subscriptionLost(body.QueueID)
		}
	}
}

// apply folds ev into its view. A view that missed events rejoins its
// queue; the server answers a repeated join with a fresh snapshot.
func (c *Client) apply(ev protocol.Event) {
	c.mu.Lock()
	view, ok := c.views[ev.QueueID]
	if !ok {
		c.mu.Unlock()
		return
	}
	changed := view.Apply(ev)
	snapshot := !ev.Sequenced()
	if snapshot {
		delete(c.resyncing, ev.QueueID)
	}
	// Only a sequenced event can reveal a gap the last snapshot did not cover.
	rejoin := !snapshot && view.Synced() && view.NeedsSnapshot() && !c.resyncing[ev.QueueID]
	if rejoin {
		c.resyncing[ev.QueueID] = true
	}
	seq := view.Seq()
	var v View
	if changed || view.Deleted() {
		v = copyView(view)
	}
	if view.Deleted() {
		delete(c.views, ev.QueueID)
		delete(c.resyncing, ev.QueueID)
	}
	handler := c.handler
	c.mu.Unlock()

	if rejoin {
		slog.Info("queue view fell behind, requesting snapshot", "queue", ev.QueueID, "seq", seq)
		go c.rejoin(ev.QueueID)
	}
	if (changed || v.Deleted) && handler != nil {
		handler(v)
	}
}

// subscriptionLost handles the server dropping queueID on its own. The view
// is kept but marked stale until a rejoin brings a new snapshot.
func (c *Client) subscriptionLost(queueID int64) {
	c.mu.Lock()
	view, ok := c.views[queueID]
	if !ok {
		c.mu.Unlock()
		return
	}
	view.MarkStale()
	v := copyView(view)
	start := !c.resyncing[queueID]
	c.resyncing[queueID] = true
	handler := c.handler
	c.mu.Unlock()

	if start {
		slog.Info("server dropped subscription, rejoining", "queue", queueID)
		go c.rejoin(queueID)
	}
	if handler != nil {
		handler(v)
	}
}

// rejoin joins queueID again with exponential backoff. A refused rejoin
// forgets the view.
func (c *Client) rejoin(queueID int64) {
	defer func() {
		c.mu.Lock()
		delete(c.resyncing, queueID)
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rejoinInitialInterval
	b.MaxInterval = rejoinMaxInterval

	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		c.mu.Lock()
		_, ok := c.views[queueID]
		c.mu.Unlock()
		if !ok {
			return struct{}{}, nil
		}
		_, err := c.request(c.ctx, protocol.FrameJoin, joinPayload(queueID))
		if refused(err) || errors.Is(err, ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			slog.Debug("rejoin failed, retrying", "queue", queueID, "err", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err == nil || errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
		return
	}

	slog.Warn("rejoin refused, dropping view", "queue", queueID, "err", err)
	c.mu.Lock()
	view, ok := c.views[queueID]
	delete(c.views, queueID)
	handler := c.handler
	var v View
	if ok {
		v = copyView(view)
	}
	c.mu.Unlock()
	if ok && handler != nil {
		v.Deleted = true
		handler(v)
	}
}

// refused reports whether the server turned a join down for good.
func refused(err error) bool {
	return errorz.Is(err, errorz.ErrNotFound) ||
		errorz.Is(err, errorz.ErrForbidden) ||
		errorz.Is(err, errorz.ErrUnauthenticated) ||
		errorz.Is(err, errorz.ErrInvalidRequest)
}

func copyView(p *protocol.Projection) View {
	return View{
		QueueID:   p.QueueID(),
		Queue:     p.Queue(),
		Epoch:     p.Epoch(),
		Seq:       p.Seq(),
		Deleted:   p.Deleted(),
		Stale:     p.NeedsSnapshot(),
		Questions: p.Visible(),
	}
}

// Join subscribes to a queue. The snapshot reaches the update handler
// before Join returns.
func (c *Client) Join(ctx context.Context, queueID int64) error {
	c.mu.Lock()
	_, existed := c.views[queueID]
	if !existed {
		c.views[queueID] = protocol.NewProjection(queueID, c.maxTombstones)
	}
	c.mu.Unlock()

	if _, err := c.request(ctx, protocol.FrameJoin, joinPayload(queueID)); err != nil {
		if !existed {
			c.mu.Lock()
			delete(c.views, queueID)
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

// Leave unsubscribes from a queue and forgets its view.
func (c *Client) Leave(ctx context.Context, queueID int64) error {
	if _, err := c.request(ctx, protocol.FrameLeave, protocol.LeavePayload{QueueID: protocol.RawID(model.FormatID(queueID))}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.views, queueID)
	delete(c.resyncing, queueID)
	c.mu.Unlock()
	return nil
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.FramePing, nil)
	return err
}

// View returns the current view of a joined queue.
func (c *Client) View(queueID int64) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.views[queueID]
	if !ok {
		return View{}, false
	}
	return copyView(p), true
}

func joinPayload(queueID int64) protocol.JoinPayload {
	return protocol.JoinPayload{QueueID: protocol.RawID(model.FormatID(queueID))}
}

func (c *Client) newRequestID() string {
	return "c" + strconv.FormatUint(c.nextID.Add(1), 10)
}

// request sends one frame and waits for the reply with the same request id.
func (c *Client) request(ctx context.Context, frameType string, payload any) (protocol.Frame, error) {
	id := c.newRequestID()
	reply := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := protocol.NewFrame(frameType, id, payload)
	if err != nil {
		return protocol.Frame{}, err
	}
	if err := c.send(frame); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case got := <-reply:
		if got.Type == protocol.FrameError {
			return got, frameError(got)
		}
		return got, nil
	case <-c.done:
		return protocol.Frame{}, ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *Client) send(frame protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.JSON.Send(c.conn, frame); err != nil {
		return fmt.Errorf("client: send %s: %w", frame.Type, err)
	}
	return nil
}

// frameError turns an error frame into an errorz error.
func frameError(frame protocol.Frame) error {
	body, err := decodeError(frame)
	if err != nil {
		return err
	}
	return errorz.FromCode(body.Code, body.Message)
}

func decodeError(frame protocol.Frame) (protocol.ErrorBody, error) {
	var env protocol.ErrorEnvelope
	if err := frame.DecodePayload(&env); err != nil {
		return protocol.ErrorBody{}, fmt.Errorf("client: %w", err)
	}
	return env.Error, nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
	})
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended: the server's closing error frame
// if it sent one, a read error, or nil after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
