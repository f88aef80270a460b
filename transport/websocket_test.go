// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/testutil"
)

func TestWebSocketRoundTrip(t *testing.T) {
	accepted := make(chan *WebSocketConn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Bureau-Host-Id") != "host-a" {
			http.Error(w, "missing host id", http.StatusUnauthorized)
			return
		}
		conn, err := Accept(w, r, WebSocketOptions{})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{"X-Bureau-Host-Id": []string{"host-a"}}
	client, err := Dial(context.Background(), url, header, WebSocketOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	serverConn := testutil.RequireReceive(t, accepted, 5*time.Second, "waiting for upgrade")
	defer serverConn.Close()

	payload, _ := codec.Marshal(map[string]any{"hostId": "host-a"})
	if err := client.Send(Frame{Kind: KindEvent, ID: "c1", Event: "heartbeat", Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := serverConn.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if frame.Kind != KindEvent || frame.ID != "c1" || frame.Event != "heartbeat" {
		t.Errorf("frame = %+v", frame)
	}

	client.Close()
	if _, err := serverConn.Receive(); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after peer close = %v, want ErrClosed", err)
	}
	if err := client.Send(Frame{Kind: KindEvent, Event: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestDialReportsHandshakeRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, err := Dial(context.Background(), url, nil, WebSocketOptions{})
	var handshake *HandshakeError
	if !errors.As(err, &handshake) {
		t.Fatalf("Dial error = %v, want *HandshakeError", err)
	}
	if handshake.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", handshake.StatusCode)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	conn := &WebSocketConn{send: make(chan []byte, 2), done: make(chan struct{})}
	for range 2 {
		if err := conn.enqueue([]byte{0}); err != nil {
			t.Fatalf("enqueue with room: %v", err)
		}
	}
	if err := conn.enqueue([]byte{0}); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("enqueue on full queue = %v, want ErrSendQueueFull", err)
	}
	close(conn.done)
	if err := conn.enqueue([]byte{0}); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after close = %v, want ErrClosed", err)
	}
}
