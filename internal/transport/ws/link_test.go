package ws

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dripsynclabs/dripsync/internal/auth"
	"github.com/dripsynclabs/dripsync/internal/sync"
)

type notifyingHandler struct {
	mu            stdsync.Mutex
	notifications []string
	payloads      [][]byte
	arrived       chan struct{}
}

func newNotifyingHandler() *notifyingHandler {
	return &notifyingHandler{arrived: make(chan struct{}, 16)}
}

func (h *notifyingHandler) OnChanged(topic string, payload []byte, change sync.ChangeType) {
	h.mu.Lock()
	h.notifications = append(h.notifications, topic)
	h.payloads = append(h.payloads, append([]byte(nil), payload...))
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *notifyingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

func (h *notifyingHandler) lastPayload() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.payloads) == 0 {
		return nil
	}
	return h.payloads[len(h.payloads)-1]
}

func (h *notifyingHandler) await(t *testing.T) {
	t.Helper()
	select {
	case <-h.arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestPutWithoutPeerIsUnavailable(t *testing.T) {
	link := NewLink(newNotifyingHandler(), nil)

	err := link.Put(context.Background(), "/topic", []byte("payload"))
	if !errors.Is(err, sync.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestDeliverNotifiesOnlyWhenBytesDiffer(t *testing.T) {
	handler := newNotifyingHandler()
	link := NewLink(handler, nil)

	link.deliver("/topic", []byte("v1"))
	link.deliver("/topic", []byte("v1"))
	link.deliver("/topic", []byte("v2"))

	if got := handler.count(); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}
}

func newPairedLinks(t *testing.T) (*Link, *Link, *notifyingHandler, *notifyingHandler) {
	t.Helper()

	pairing := auth.NewPairing(auth.PairingConfig{Secret: []byte("test-secret")})
	serverHandler := newNotifyingHandler()
	serverLink := NewLink(serverHandler, nil)

	server := httptest.NewServer(NewServer(serverLink, pairing, nil).Handler())
	t.Cleanup(server.Close)

	token, err := pairing.IssueToken("companion")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	clientHandler := newNotifyingHandler()
	clientLink := NewLink(clientHandler, nil)
	clientLink.attach(conn)

	return serverLink, clientLink, serverHandler, clientHandler
}

func TestFramesCrossThePairedLink(t *testing.T) {
	serverLink, clientLink, serverHandler, clientHandler := newPairedLinks(t)

	if !clientLink.Connected() {
		t.Fatalf("expected client side connected")
	}

	deadline := time.After(2 * time.Second)
	for !serverLink.Connected() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server side to attach")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := clientLink.Put(context.Background(), "/topic", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("client put failed: %v", err)
	}
	serverHandler.await(t)
	if serverHandler.count() != 1 || serverHandler.notifications[0] != "/topic" {
		t.Fatalf("unexpected server notifications %v", serverHandler.notifications)
	}

	if err := serverLink.Put(context.Background(), "/reply", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("server put failed: %v", err)
	}
	clientHandler.await(t)
	if clientHandler.count() != 1 || clientHandler.notifications[0] != "/reply" {
		t.Fatalf("unexpected client notifications %v", clientHandler.notifications)
	}
}

func TestRepeatedIdenticalFramesAreDeduplicated(t *testing.T) {
	serverLink, clientLink, serverHandler, _ := newPairedLinks(t)

	deadline := time.After(2 * time.Second)
	for !serverLink.Connected() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server side to attach")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := clientLink.Put(context.Background(), "/topic", []byte("same")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	serverHandler.await(t)

	if err := clientLink.Put(context.Background(), "/topic", []byte("same")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := clientLink.Put(context.Background(), "/topic", []byte("changed")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	serverHandler.await(t)

	if got := serverHandler.count(); got != 2 {
		t.Fatalf("expected identical redelivery to be silent, got %d notifications", got)
	}
}

func TestPutCarriesArbitraryBytes(t *testing.T) {
	serverLink, clientLink, serverHandler, _ := newPairedLinks(t)

	deadline := time.After(2 * time.Second)
	for !serverLink.Connected() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server side to attach")
		case <-time.After(10 * time.Millisecond):
		}
	}

	payload := []byte{0x00, 'n', 'o', 't', ' ', 'j', 's', 'o', 'n', 0xff, 0xfe}
	if err := clientLink.Put(context.Background(), "/topic", payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	serverHandler.await(t)

	if got := serverHandler.lastPayload(); !bytes.Equal(got, payload) {
		t.Fatalf("payload mangled in transit: got %v want %v", got, payload)
	}
	if !clientLink.Connected() {
		t.Fatalf("expected connection to survive the put")
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	pairing := auth.NewPairing(auth.PairingConfig{Secret: []byte("test-secret")})
	serverLink := NewLink(newNotifyingHandler(), nil)

	server := httptest.NewServer(NewServer(serverLink, pairing, nil).Handler())
	t.Cleanup(server.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected handshake to be rejected")
	}
	if serverLink.Connected() {
		t.Fatalf("expected no connection after rejected handshake")
	}
}
