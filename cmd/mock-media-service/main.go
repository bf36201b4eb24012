// Package main implements mock-media-service, a WebSocket server that
// stands in for the external speech processor during integration
// testing by replaying pre-recorded audio fragments instead of
// performing any real processing. Unlike echo-processor it never looks
// at the payload it's sent; it always responds with canned fixture
// bytes, so a test can assert the exact processed-audio bytes it gets
// back without needing real speech processing deployed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gorilla/websocket"
)

// envelope mirrors the JSON text frame defined in internal/wsclient.
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

// fixtures holds the pre-recorded fragment bytes to replay, loaded once
// at startup and cycled through in order as batches arrive.
type fixtures struct {
	frames [][]byte
}

func loadFixtures(dir string) (*fixtures, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	f := &fixtures{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading fixture %s: %w", name, err)
		}
		f.frames = append(f.frames, data)
	}
	return f, nil
}

// at returns the fixture frame for a given batch number, cycling through
// the loaded set if there are fewer fixtures than batches.
func (f *fixtures) at(batchNumber int) []byte {
	if len(f.frames) == 0 {
		return nil
	}
	idx := batchNumber % len(f.frames)
	return f.frames[idx]
}

func main() {
	addr := flag.String("addr", ":9091", "address to listen on")
	path := flag.String("path", "/ws", "WebSocket endpoint path")
	fixturesDir := flag.String("fixtures", "", "directory of pre-recorded fragment files to replay; if empty, a small generated tone is replayed for every fragment")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var fx *fixtures
	if *fixturesDir != "" {
		loaded, err := loadFixtures(*fixturesDir)
		if err != nil {
			logger.Error("loading fixtures", "error", err)
			os.Exit(1)
		}
		fx = loaded
		logger.Info("loaded fixtures", "count", len(fx.frames), "dir", *fixturesDir)
	} else {
		fx = &fixtures{frames: [][]byte{generatedTone()}}
		logger.Info("no fixtures dir given; replaying a generated tone for every fragment")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(*path, func(w http.ResponseWriter, r *http.Request) {
		handleConn(w, r, fx, logger)
	})

	server := &http.Server{Addr: *addr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		server.Close()
	}()

	logger.Info("mock-media-service listening", "addr", *addr, "path", *path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// generatedTone returns a small placeholder payload used when no
// fixtures directory is configured; it carries no real audio, only
// enough bytes to exercise the wire protocol end to end.
func generatedTone() []byte {
	const samples = 4800 // 100ms at 48kHz, 8-bit mono
	tone := make([]byte, samples)
	for i := range tone {
		tone[i] = byte(127 + 50*sign(i%64-32))
	}
	return tone
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}

func handleConn(w http.ResponseWriter, r *http.Request, fx *fixtures, logger *slog.Logger) {
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

		if err := handleEnvelope(conn, env, fx, logger); err != nil {
			logger.Warn("handling envelope failed", "type", env.Type, "error", err)
		}
	}
}

func handleEnvelope(conn *websocket.Conn, env envelope, fx *fixtures, logger *slog.Logger) error {
	switch env.Type {
	case "subscribe":
		return conn.WriteJSON(envelope{Type: "subscribed", StreamId: env.StreamId})

	case "unsubscribe":
		return nil

	case "fragment:data":
		// Drain and discard the incoming binary payload; this processor
		// never inspects what it was sent.
		msgType, _, err := conn.ReadMessage()
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

		replay := fx.at(env.BatchNumber)
		resp := envelope{
			Type:        "fragment:processed",
			Id:          env.Id,
			StreamId:    env.StreamId,
			BatchNumber: env.BatchNumber,
			ContentType: env.ContentType,
			Size:        int64(len(replay)),
		}
		if err := conn.WriteJSON(resp); err != nil {
			return err
		}
		logger.Debug("replayed fixture", "id", env.Id, "batch", env.BatchNumber, "bytes", len(replay))
		return conn.WriteMessage(websocket.BinaryMessage, replay)

	default:
		logger.Warn("unrecognized envelope type", "type", env.Type)
		return nil
	}
}
