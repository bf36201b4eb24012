package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/live-media-service/internal/models"
)

var upgrader = websocket.Upgrader{}

func newEchoProcessor(t *testing.T, handle func(*websocket.Conn, envelope)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type == typeFragmentData {
				// drain the binary payload that follows
				conn.ReadMessage()
			}
			handle(conn, env)
		}
	}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_SubmitFragment_Success(t *testing.T) {
	server := newEchoProcessor(t, func(conn *websocket.Conn, env envelope) {
		if env.Type != typeFragmentData {
			return
		}
		resp := envelope{Type: typeFragmentProcessed, Id: env.Id}
		require.NoError(t, conn.WriteJSON(resp))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("processed-audio")))
	})
	defer server.Close()

	client := New(wsURL(t, server), Callbacks{}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	desc := models.NewFragmentDescriptor(models.StreamId("s1"), 3, "audio/mp4", 5, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := client.SubmitFragment(ctx, desc, []byte("raw-audio"))
	require.NoError(t, err)
	assert.Equal(t, "processed-audio", string(payload))
}

func TestClient_SubmitFragment_ProcessorError(t *testing.T) {
	server := newEchoProcessor(t, func(conn *websocket.Conn, env envelope) {
		if env.Type != typeFragmentData {
			return
		}
		resp := envelope{Type: typeFragmentError, Id: env.Id, Message: "demux failed upstream"}
		require.NoError(t, conn.WriteJSON(resp))
	})
	defer server.Close()

	client := New(wsURL(t, server), Callbacks{}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	desc := models.NewFragmentDescriptor(models.StreamId("s1"), 1, "audio/mp4", 5, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.SubmitFragment(ctx, desc, []byte("raw-audio"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demux failed upstream")
}

func TestClient_SubmitFragment_ContextTimeout(t *testing.T) {
	server := newEchoProcessor(t, func(conn *websocket.Conn, env envelope) {
		// never respond
	})
	defer server.Close()

	client := New(wsURL(t, server), Callbacks{}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	desc := models.NewFragmentDescriptor(models.StreamId("s1"), 1, "audio/mp4", 5, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.SubmitFragment(ctx, desc, []byte("raw-audio"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_StreamComplete_Callback(t *testing.T) {
	done := make(chan models.StreamId, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(envelope{Type: typeStreamComplete, StreamId: "s1"}))
		// keep the connection open so the client's read loop stays alive
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := New(wsURL(t, server), Callbacks{
		OnStreamComplete: func(streamID models.StreamId) { done <- streamID },
	}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	select {
	case id := <-done:
		assert.Equal(t, models.StreamId("s1"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream:complete callback")
	}
}
