package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/loomhq/loom/pkg/bus"
)

// wsMessage is one bus event as delivered over the socket.
type wsMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// wsSubscriberBuffer sizes each topic subscription. A slow socket drops
// events at its own subscription, never stalling the engines.
const wsSubscriberBuffer = 512

// handleWS upgrades the connection and streams bus events for the
// requested topics, e.g. /ws?topics=session:abc,telemetry:updates.
//
// It is a plain http.HandlerFunc (mounted via gin.WrapF): the upgrade
// hijacks the connection, which needs the server's own ResponseWriter,
// not gin's buffered wrapper.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "topics query parameter is required"})
		return
	}
	topics := strings.Split(topicsParam, ",")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks are skipped until the dashboard's serving
		// origin is configurable; an OriginPatterns allowlist goes
		// here when it is.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	// Fan all subscribed topics into one ordered delivery channel.
	merged := make(chan wsMessage, wsSubscriberBuffer)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		sub := s.bus.SubscribeBuffered(topic, wsSubscriberBuffer)
		defer s.bus.Unsubscribe(sub)

		go func(topic string, sub *bus.Subscription) {
			for ev := range sub.Events() {
				select {
				case merged <- wsMessage{Topic: topic, Type: ev.Type, Payload: ev.Payload}:
				case <-done:
					return
				}
			}
		}(topic, sub)
	}

	// Surface client-initiated closes; inbound payloads are ignored.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case msg := <-merged:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-readErr:
			return
		case <-ctx.Done():
			return
		}
	}
}
