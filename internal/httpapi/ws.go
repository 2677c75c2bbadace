package httpapi

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"soundforge/internal/progressbus"
)

// subscribeFrame is the client's subscription control frame:
// {"subscribe": {"file_id": "..."}} to filter, or omission to receive every
// event; {"unsubscribe": true} ends the session from the client side.
type subscribeFrame struct {
	Subscribe struct {
		FileID string `json:"file_id"`
	} `json:"subscribe"`
	Unsubscribe bool `json:"unsubscribe"`
}

// handleProgressWS implements GET /ws/progress: upgrades the connection,
// bridges a progressbus.Subscription to outbound JSON frames, and runs a
// read pump that honors the client's subscribe/unsubscribe control frames
// and detects disconnection.
func (s *Server) handleProgressWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logrus.WithField("component", "httpapi.ws")
	sub := s.Bus.Subscribe("")
	defer func() { sub.Close() }()

	stop := make(chan struct{})
	done := pumpEvents(conn, sub, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("progress websocket closed")
			break
		}

		var frame subscribeFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Unsubscribe {
			close(stop)
			<-done
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed"))
			return
		}
		if frame.Subscribe.FileID != "" {
			// Stop the current pump and wait for it before starting the next
			// one: the connection allows only one concurrent writer.
			close(stop)
			<-done
			sub.Close()
			sub = s.Bus.Subscribe(frame.Subscribe.FileID)
			stop = make(chan struct{})
			done = pumpEvents(conn, sub, stop)
		}
	}
	close(stop)
	<-done
}

// pumpEvents writes every ProgressEvent from sub to conn as a JSON text
// frame until sub closes, stop is signaled (the client resubscribed or
// disconnected), or a write fails. The returned channel closes when the
// pump goroutine has exited and no further writes to conn can occur.
func pumpEvents(conn *websocket.Conn, sub *progressbus.Subscription, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return done
}
