package feed

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
)

// Authorizer checks that principal may watch quoteID
type Authorizer func(ctx context.Context, principal types.Principal, quoteID string) error

const (
	heartbeatInterval = 25 * time.Second
	writeTimeout      = 10 * time.Second
)

// GinHandlers contains the realtime stream endpoints
type GinHandlers struct {
	dispatcher *Dispatcher
	authorize  Authorizer
	upgrader   websocket.Upgrader
}

func NewGinHandlers(dispatcher *Dispatcher, authorize Authorizer) *GinHandlers {
	return &GinHandlers{
		dispatcher: dispatcher,
		authorize:  authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens are checked by JWTAuth; browsers on other origins are expected
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// QuoteStreamHandler streams a quote's events as server-sent events
// URL parameter: quote_id
func (h *GinHandlers) QuoteStreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, ok := h.openQuoteSubscription(c)
		if !ok {
			return
		}
		defer sub.Close()
		h.streamSSE(c, sub)
	}
}

// InboxStreamHandler streams every event addressed to the caller across quotes
func (h *GinHandlers) InboxStreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		sub, err := h.dispatcher.Subscribe(c.Request.Context(), principal, PrincipalTopic(principal.ID))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		defer sub.Close()
		h.streamSSE(c, sub)
	}
}

// QuoteWebSocketHandler streams a quote's events over a WebSocket
// URL parameter: quote_id
func (h *GinHandlers) QuoteWebSocketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, ok := h.openQuoteSubscription(c)
		if !ok {
			return
		}
		defer sub.Close()

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "feed_stream").Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		logger := log.With().
			Str("component", "feed_stream").
			Str("quote_id", c.Param("quote_id")).
			Logger()

		// The read loop only exists to notice the client going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(ev.Public()); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}
}

func (h *GinHandlers) openQuoteSubscription(c *gin.Context) (Subscription, bool) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Missing authentication claims")
		return nil, false
	}

	quoteID := c.Param("quote_id")
	if err := h.authorize(c.Request.Context(), principal, quoteID); err != nil {
		response.Handle(c, nil, err)
		return nil, false
	}

	sub, err := h.dispatcher.Subscribe(c.Request.Context(), principal, QuoteTopic(quoteID))
	if err != nil {
		response.Handle(c, nil, err)
		return nil, false
	}
	return sub, true
}

func (h *GinHandlers) streamSSE(c *gin.Context, sub Subscription) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	// Clients re-read current state on this event; nothing is replayed
	c.SSEvent("ready", gin.H{"at": time.Now()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev.Public())
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now()})
			return true
		}
	})
}
