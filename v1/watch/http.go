package watch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

func watchChannel(ctx context.Context, bus WatchBus, id string) (chan []byte, string, error) {
	if id == "" {
		ch, err := bus.WatchPrefix(ctx, KeyPrefix)
		return ch, KeyPrefix, err
	}
	key := KeyPrefix + id
	ch, err := bus.Watch(ctx, key)
	return ch, key, err
}

// SSEHandler streams lock transitions over Server-Sent Events. The resource
// id is taken from the "id" query parameter; an empty id watches every
// resource.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		ch, key, err := watchChannel(ctx, bus, r.URL.Query().Get("id"))
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock transitions over WebSocket. The resource id
// is taken from the "id" query parameter; an empty id watches every resource.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, key, err := watchChannel(ctx, bus, r.URL.Query().Get("id"))
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
