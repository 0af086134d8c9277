package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/protocol"
)

// wsSender writes frames to one websocket connection.
type wsSender struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *wsSender) Send(frame protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return websocket.JSON.Send(w.conn, frame)
}

// handleWS resolves the caller before upgrading, so a bad token is
// answered with a plain 401 instead of a websocket that closes at once.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveUser(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ws := websocket.Server{
		Handshake: s.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			s.serveConn(conn, user)
		},
	}
	ws.ServeHTTP(w, r)
}

// checkOrigin accepts any origin unless AllowedOrigins is configured.
func (s *Server) checkOrigin(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if len(s.cfg.AllowedOrigins) == 0 {
		return nil
	}
	if origin == nil || !originAllowed(origin, s.cfg.AllowedOrigins) {
		return errors.New("origin not allowed")
	}
	return nil
}

func originAllowed(origin *url.URL, allowed []string) bool {
	return slices.ContainsFunc(allowed, func(a string) bool {
		return strings.EqualFold(strings.TrimSuffix(a, "/"), origin.Scheme+"://"+origin.Host)
	})
}

// serveConn runs one connection: a reader that processes frames one at a
// time and a writer that drains the session outbox.
func (s *Server) serveConn(conn *websocket.Conn, user model.User) {
	conn.MaxPayloadBytes = protocol.MaxFramePayloadBytes
	sender := &wsSender{conn: conn, timeout: s.cfg.WriteTimeout}

	sess := s.sessions.Create()
	if err := sess.Authenticate(user); err != nil {
		slog.Error("authenticate session", "session", sess.ID(), "err", err)
		s.sessions.Remove(sess.ID())
		_ = conn.Close()
		return
	}

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Info("client connected", "session", sess.ID(), "user", user.ID, "remote", conn.Request().RemoteAddr)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	hello, err := protocol.NewFrame(protocol.FrameHello, "", protocol.HelloPayload{
		SessionID: sess.ID(),
		Epoch:     s.channels.Epoch(),
		UserID:    user.ID,
		UserName:  user.Name,
	})
	if err == nil {
		sess.enqueueFrame(hello)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		err := sess.writeLoop(ctx, sender, s.channels.resync)
		if err == nil {
			return
		}
		if !errors.Is(err, context.Canceled) {
			slog.Debug("write loop ended", "session", sess.ID(), "err", err)
		}
		// Unblocks the reader when the writer fails first.
		_ = conn.Close()
	}()

	final := s.readLoop(ctx, conn, sess)

	s.channels.OnDisconnect(sess)
	s.sessions.Remove(sess.ID())
	<-writerDone
	if final != nil {
		_ = sender.Send(*final)
	}
	_ = conn.Close()

	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	slog.Info("client disconnected", "session", sess.ID(), "user", user.ID, "dropped_events", sess.Dropped())
}

// readLoop processes inbound frames until the connection ends. It returns
// a frame to send after the session is closed, if any.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) *protocol.Frame {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		err := websocket.Message.Receive(conn, &data)
		switch {
		case err == nil:
		case errors.Is(err, websocket.ErrFrameTooLarge):
			data = nil
			err = protocol.ErrFrameTooLarge
		case errors.Is(err, io.EOF):
			return nil
		default:
			if ctx.Err() == nil {
				slog.Debug("read failed", "session", sess.ID(), "err", err)
			}
			return nil
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > protocol.MaxFramesPerSecond {
			s.metrics.RateLimited.Add(1)
			slog.Warn("closing connection over frame rate", "session", sess.ID())
			return errorFrame("", 0, &wsError{code: "RESOURCE_EXHAUSTED", message: "rate limit exceeded"})
		}

		var frame protocol.Frame
		if err == nil {
			frame, err = protocol.DecodeFrame(data)
		}
		if err != nil {
			decodeErrors++
			msg := "invalid frame"
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				msg = "frame too large"
			}
			if decodeErrors >= protocol.MaxDecodeErrors {
				slog.Warn("closing connection after undecodable frames", "session", sess.ID(), "count", decodeErrors)
				return errorFrame("", 0, errorz.InvalidRequest("%s", msg))
			}
			sendError(sess, "", errorz.InvalidRequest("%s", msg))
			continue
		}
		decodeErrors = 0

		s.handleFrame(ctx, sess, frame)
	}
}

// handleFrame completes one request before the next frame is read.
func (s *Server) handleFrame(ctx context.Context, sess *Session, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameJoin:
		var p protocol.JoinPayload
		if err := frame.DecodePayload(&p); err != nil {
			sendError(sess, frame.RequestID, errorz.InvalidRequest("invalid join payload"))
			return
		}
		queueID, err := s.channels.Join(ctx, sess, string(p.QueueID))
		if err != nil {
			s.metrics.JoinsDenied.Add(1)
			if errorz.Is(err, errorz.ErrStore) {
				s.metrics.StoreErrors.Add(1)
			}
			slog.Debug("join refused", "session", sess.ID(), "queue", p.QueueID, "err", err)
			sendError(sess, frame.RequestID, err)
			return
		}
		sendAck(sess, frame.RequestID, protocol.FrameJoin, queueID)

	case protocol.FrameLeave:
		var p protocol.LeavePayload
		if err := frame.DecodePayload(&p); err != nil {
			sendError(sess, frame.RequestID, errorz.InvalidRequest("invalid leave payload"))
			return
		}
		queueID, err := s.channels.Leave(sess, string(p.QueueID))
		if err != nil {
			sendError(sess, frame.RequestID, err)
			return
		}
		sendAck(sess, frame.RequestID, protocol.FrameLeave, queueID)

	case protocol.FramePing:
		if pong, err := protocol.NewFrame(protocol.FramePong, frame.RequestID, nil); err == nil {
			sess.enqueueFrame(pong)
		}

	default:
		sendError(sess, frame.RequestID, errorz.InvalidRequest("unsupported frame type %q", frame.Type))
	}
}

func sendAck(sess *Session, requestID, frameType string, queueID int64) {
	ack, err := protocol.NewFrame(protocol.FrameAck, requestID, protocol.AckPayload{Type: frameType, QueueID: queueID})
	if err != nil {
		slog.Error("marshal ack", "err", err)
		return
	}
	sess.enqueueFrame(ack)
}

// sendError queues an error frame for the requesting session only.
func sendError(sess *Session, requestID string, err error) {
	frame := errorFrame(requestID, 0, err)
	if frame == nil {
		return
	}
	sess.enqueueFrame(*frame)
}

// sendSubscriptionLost tells sess it no longer receives events for queueID.
func sendSubscriptionLost(sess *Session, queueID int64, err error) {
	frame := errorFrame("", queueID, err)
	if frame == nil {
		return
	}
	sess.enqueueFrame(*frame)
}

// wsError is a connection-level failure outside the request taxonomy.
type wsError struct {
	code    string
	message string
}

func (e *wsError) Error() string { return e.message }

func errorFrame(requestID string, queueID int64, err error) *protocol.Frame {
	body := protocol.ErrorBody{
		Code:      errorz.Code(err),
		Message:   errorz.ReasonOf(err),
		Retryable: errorz.Retryable(err),
		QueueID:   queueID,
	}
	var wsErr *wsError
	if errors.As(err, &wsErr) {
		body.Code = wsErr.code
		body.Message = wsErr.message
	}
	if body.Code == "INTERNAL" {
		slog.Error("request failed", "request_id", requestID, "err", err)
	}
	frame, ferr := protocol.NewFrame(protocol.FrameError, requestID, protocol.ErrorEnvelope{Error: body})
	if ferr != nil {
		slog.Error("marshal error frame", "err", ferr)
		return nil
	}
	return &frame
}
