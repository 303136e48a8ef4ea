package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"intakeline/internal/domain"
	"intakeline/internal/notify"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024
)

type streamHandler struct {
	hub    *notify.Hub
	logger *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Streams are authorised by token, not by cookie, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func registerNotificationStream(api huma.API, s streamHandler) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-notifications",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/notifications/stream",
		Summary:     "Stream an owner's debounced notifications as server-sent events",
	}, map[string]any{
		"notification": domain.NotificationEvent{},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}, send sse.Sender) {
		s.relay(ctx, input.OwnerID, "sse", func(evt domain.NotificationEvent) error {
			return send.Data(evt)
		})
	})
}

// relay subscribes ownerID and forwards events until ctx ends, the
// subscription is closed or deliver fails. The subscription is always
// removed on return.
func (s streamHandler) relay(ctx context.Context, ownerID, transport string, deliver func(domain.NotificationEvent) error) {
	sub := s.hub.Subscribe(ownerID)
	defer s.hub.Unsubscribe(sub)
	log := s.logger.With(
		zap.String("owner_id", ownerID),
		zap.String("subscription_id", sub.ID),
		zap.String("transport", transport),
	)
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream context done")
			return
		case evt, ok := <-sub.C:
			if !ok {
				log.Debug("subscription closed by hub")
				return
			}
			if err := deliver(evt); err != nil {
				log.Info("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s streamHandler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Info("websocket upgrade failed", zap.String("owner_id", ownerID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	pings := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					pings <- err
					cancel()
					return
				}
			}
		}
	}()

	s.relay(ctx, ownerID, "websocket", func(evt domain.NotificationEvent) error {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	})

	select {
	case err := <-pings:
		s.logger.Info("websocket ping failed", zap.String("owner_id", ownerID), zap.Error(err))
	default:
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// readPump drains client frames so pongs and close frames are processed,
// and cancels the stream when the peer goes away.
func (s streamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Info("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
