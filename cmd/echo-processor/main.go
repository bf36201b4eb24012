// Package main implements echo-processor, the simplest conformant
// implementation of the processor side of the audio-processor WebSocket
// protocol (see internal/wsclient). It accepts a fragment:data envelope
// plus binary payload and echoes the payload back unchanged as
// fragment:processed, making it useful as a integration-test stand-in
// for the external speech processor when no content transformation
// needs verifying.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

// envelope mirrors the JSON text frame defined in internal/wsclient; it
// is redefined here rather than imported since this protocol is meant to
// be implementable by any language, including non-Go test harnesses.
type envelope struct {
	Type        string `json:"type"`
	Id          string `json:"id,omitempty"`
	StreamId    string `json:"streamId,omitempty"`
	BatchNumber int    `json:"batchNumber,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Message     string `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":9090", "address to listen on")
	path := flag.String("path", "/ws", "WebSocket endpoint path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mux := http.NewServeMux()
	mux.HandleFunc(*path, func(w http.ResponseWriter, r *http.Request) {
		handleConn(w, r, logger)
	})

	server := &http.Server{Addr: *addr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		server.Close()
	}()

	logger.Info("echo-processor listening", "addr", *addr, "path", *path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func handleConn(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger.Info("processor connection opened", "remote", r.RemoteAddr)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("processor connection closed", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			logger.Warn("unexpected non-text frame where envelope was expected")
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("malformed envelope", "error", err)
			continue
		}

		if err := handleEnvelope(conn, env, logger); err != nil {
			logger.Warn("handling envelope failed", "type", env.Type, "error", err)
		}
	}
}

func handleEnvelope(conn *websocket.Conn, env envelope, logger *slog.Logger) error {
	switch env.Type {
	case "subscribe":
		return conn.WriteJSON(envelope{Type: "subscribed", StreamId: env.StreamId})

	case "unsubscribe":
		return nil

	case "fragment:data":
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			return conn.WriteJSON(envelope{
				Type:    "fragment:error",
				Id:      env.Id,
				Message: "expected binary payload after fragment:data",
			})
		}

		resp := envelope{
			Type:        "fragment:processed",
			Id:          env.Id,
			StreamId:    env.StreamId,
			BatchNumber: env.BatchNumber,
			ContentType: env.ContentType,
			Size:        int64(len(payload)),
		}
		if err := conn.WriteJSON(resp); err != nil {
			return err
		}
		logger.Debug("echoed fragment", "id", env.Id, "bytes", len(payload))
		return conn.WriteMessage(websocket.BinaryMessage, payload)

	default:
		logger.Warn("unrecognized envelope type", "type", env.Type)
		return nil
	}
}
