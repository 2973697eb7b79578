package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/streamrelay/internal/protocol"
	"github.com/ent0n29/streamrelay/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsInitTimeout  = 30 * time.Second
	wsPingInterval = 30 * time.Second
)

var (
	errStreamFinished  = errors.New("stream finished")
	errClientCancelled = errors.New("client cancelled")
)

// handleWS is the push surface: one init message opens a relay, then every
// segment is forwarded as it appears, followed by one terminal message.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID, err := gonanoid.New()
	if err != nil {
		connID = "unknown"
	}
	logger := log.With().Str("conn_id", connID).Logger()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsInitTimeout))
	open, err := s.readInit(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket init rejected")
		_ = s.writeNow(conn, protocol.NewError("invalid_client_message", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, err := s.relay.Start(ctx, open.Request())
	if err != nil {
		_, code := classify(err)
		logger.Warn().Err(err).Msg("websocket start failed")
		_ = s.writeNow(conn, protocol.NewError(code, err.Error()))
		return
	}
	logger = logger.With().Str("session_id", id).Logger()
	if err := s.writeNow(conn, protocol.Connected{Type: protocol.TypeConnected, StreamID: id}); err != nil {
		return
	}

	outbound := make(chan any, 64)
	g, gctx := errgroup.WithContext(ctx)

	// Closing the connection unblocks the reader once any goroutine is done.
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	g.Go(func() error {
		defer close(outbound)
		err := s.relay.Follow(gctx, id, 0, &wsSink{ctx: gctx, out: outbound})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("websocket follow stopped")
		}
		return nil
	})

	g.Go(func() error {
		return s.writeLoop(gctx, conn, outbound)
	})

	g.Go(func() error {
		return s.readLoop(gctx, conn, id, logger)
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errStreamFinished), errors.Is(err, errClientCancelled):
	default:
		logger.Debug().Err(err).Msg("websocket closed")
	}
}

func (s *Server) readInit(conn *websocket.Conn) (protocol.Init, error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Init{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			return protocol.Init{}, err
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocolTypeOfClient(parsed))).Inc()
		msg, ok := parsed.(protocol.Init)
		if !ok {
			return protocol.Init{}, errors.New("first message must be an init message")
		}
		return msg, nil
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, id string, logger zerolog.Logger) error {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Peer gone. The session keeps running and can still be polled.
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			logger.Debug().Err(err).Msg("ignoring invalid client message")
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocolTypeOfClient(parsed))).Inc()
		if _, ok := parsed.(protocol.Cancel); ok {
			if _, err := s.relay.End(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, session.ErrNotFound) {
				logger.Warn().Err(err).Msg("cancel session")
			}
			return errClientCancelled
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
		case msg, ok := <-outbound:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"),
					time.Now().Add(wsWriteTimeout))
				return errStreamFinished
			}
			if err := s.writeNow(conn, msg); err != nil {
				return err
			}
		}
	}
}

// writeNow writes one message. Only one goroutine writes at a time: the
// handler before the write loop starts, then the write loop.
func (s *Server) writeNow(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", "write_error").Inc()
		return err
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return nil
}

func protocolTypeOfClient(v any) protocol.MessageType {
	switch v.(type) {
	case protocol.Init:
		return protocol.TypeInit
	case protocol.Cancel:
		return protocol.TypeCancel
	default:
		return "unknown"
	}
}

// wsSink queues pushed output for the write loop. A full queue applies
// backpressure to the follower only.
type wsSink struct {
	ctx context.Context
	out chan<- any
}

func (k *wsSink) Segment(index int, text string) error {
	return k.send(protocol.NewContent(index, text))
}

func (k *wsSink) Finished(snap session.Snapshot) error {
	return k.send(protocol.Terminal(snap))
}

func (k *wsSink) send(msg any) error {
	select {
	case <-k.ctx.Done():
		return k.ctx.Err()
	case k.out <- msg:
		return nil
	}
}
