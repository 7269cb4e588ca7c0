package httpapi

import (
	"net/http"

	"qms/dispatch-service/internal/fanout"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const clientBuffer = 16

// NewRealtime serves the fanout hub over SockJS at /realtime. Every session
// receives global events; sending {"action":"subscribe","counter_id":"..."}
// adds that counter's scoped events.
func NewRealtime(hub *fanout.Hub, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &fanout.Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
		hub.Register(client)
		defer hub.Unregister(client)
		log.Debug("realtime session opened", zap.String("client_id", client.ID))

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				log.Debug("realtime session closed", zap.String("client_id", client.ID), zap.Error(err))
				return
			}
			parsed, ok := fanout.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.UpdateSubscription(client, fanout.Subscription{})
				continue
			}
			hub.UpdateSubscription(client, fanout.Subscription{CounterID: parsed.CounterID})
		}
	})
}
