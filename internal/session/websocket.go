// ABOUTME: WebSocket transport for a chat session using coder/websocket
// ABOUTME: Runs the read, write and keepalive loops for one connection until any of them ends

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/17anirudh/quirks/internal/protocol"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 25 * time.Second

	// readLimit bounds one inbound frame. A character can take up to 12
	// bytes once JSON-escaped as a surrogate pair, so a full-length message
	// plus the envelope always fits.
	readLimit = 12*protocol.MaxContentLength + 1024
)

// TransportOptions tunes the WebSocket loops.
type TransportOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration // zero disables keepalive pings
}

var (
	// errPeerGone marks the read loop ending because the client went away.
	errPeerGone = errors.New("peer closed connection")
	// errRoomClosed marks the subscription channel closing under the writer.
	errRoomClosed = errors.New("room subscription closed")
)

// Serve joins s and pumps frames between conn and the room until the
// client disconnects, ctx ends, or a write fails. A rejected join closes
// the socket with a policy violation status and returns ErrNotMember.
func Serve(ctx context.Context, conn *websocket.Conn, s *Session, opts TransportOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws", "session_id", s.ID(), "conversation_id", s.ConversationID())
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := s.Join(ctx)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			_ = conn.Close(websocket.StatusPolicyViolation, "not a member of this conversation")
		} else {
			_ = conn.Close(websocket.StatusInternalError, "join failed")
		}
		return err
	}
	defer s.Close()

	// A canceled read context makes coder/websocket close with 1008, so the
	// reader gets an uncancelable one. The first loop to finish sets the
	// cause; closing the connection with its status ends the reader.
	loopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var g errgroup.Group
	g.Go(func() error {
		err := readLoop(context.WithoutCancel(ctx), conn, s, logger)
		stop(err)
		return nil
	})
	g.Go(func() error {
		stop(writeLoop(loopCtx, conn, frames, opts.WriteTimeout))
		return nil
	})
	if opts.PingInterval > 0 {
		g.Go(func() error {
			stop(keepAlive(loopCtx, conn, opts.PingInterval, opts.WriteTimeout))
			return nil
		})
	}

	<-loopCtx.Done()
	err = context.Cause(loopCtx)
	s.Close()

	switch {
	case errors.Is(err, errPeerGone), errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
		err = nil
	case errors.Is(err, errRoomClosed):
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		err = nil
	default:
		_ = conn.Close(websocket.StatusInternalError, "")
	}
	_ = g.Wait()

	if err != nil {
		logger.Warn("connection ended with error", "error", err)
		return err
	}
	logger.Debug("connection finished")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, s *Session, logger *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return errPeerGone
		}
		if typ != websocket.MessageText {
			logger.Debug("ignoring non-text frame", "type", typ)
			continue
		}
		if outcome := s.HandleFrame(data); outcome != OutcomeDelivered {
			logger.Debug("frame ignored", "outcome", outcome.String())
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, frames <-chan *protocol.ServerFrame, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return errRoomClosed
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
