package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// newDisconnectedClient returns a client that has never dialled a broker.
// Validation paths and connection-state guards are testable without one;
// anything that needs a live broker lives in integration_test.go.
func newDisconnectedClient() *Client {
	return &Client{
		subscriptions: make(map[string]subscription),
		topics:        Topics{},
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func (l *mockLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestPublish_Validation(t *testing.T) {
	client := newDisconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{
			name:    "empty topic",
			topic:   "",
			payload: []byte("x"),
			qos:     1,
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "invalid qos",
			topic:   "hubmirror/status",
			payload: []byte("x"),
			qos:     3,
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "oversized payload",
			topic:   "hubmirror/status",
			payload: make([]byte, maxPayloadSize+1),
			qos:     1,
			wantErr: ErrPublishFailed,
		},
		{
			name:    "disconnected",
			topic:   "hubmirror/status",
			payload: []byte("x"),
			qos:     1,
			wantErr: ErrNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishString_Disconnected(t *testing.T) {
	client := newDisconnectedClient()

	err := client.PublishString("hubmirror/status", "online", 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishString() error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := newDisconnectedClient()
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{
			name:    "empty topic",
			topic:   "",
			qos:     1,
			handler: handler,
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "invalid qos",
			topic:   "hubmirror/device/+/set",
			qos:     5,
			handler: handler,
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "nil handler",
			topic:   "hubmirror/device/+/set",
			qos:     1,
			handler: nil,
			wantErr: ErrSubscribeFailed,
		},
		{
			name:    "disconnected",
			topic:   "hubmirror/device/+/set",
			qos:     1,
			handler: handler,
			wantErr: ErrNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// None of the rejected subscribes may be tracked.
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	client := newDisconnectedClient()

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}

	if err := client.Unsubscribe("hubmirror/device/+/set"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	client := newDisconnectedClient()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.HealthCheck(ctx)
	if err == nil {
		t.Fatal("HealthCheck() expected error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := newDisconnectedClient()

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClose_NeverConnected(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unused client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestSubscriptionTracking_Empty(t *testing.T) {
	client := newDisconnectedClient()

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
	if client.HasSubscription("hubmirror/device/lamp/set") {
		t.Error("HasSubscription() should be false for unsubscribed topic")
	}
}

func TestSetLogger(t *testing.T) {
	client := newDisconnectedClient()

	logger := &mockLogger{}
	client.SetLogger(logger)
	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}

	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})

	// Must not propagate the panic.
	wrapped(nil, fakeMessage{topic: "hubmirror/device/lamp/set", payload: []byte("{}")})

	if logger.errorCount() != 1 {
		t.Errorf("error log count = %d, want 1", logger.errorCount())
	}
}

func TestWrapHandler_PanicWithoutLogger(t *testing.T) {
	client := newDisconnectedClient()

	wrapped := client.wrapHandler(func(string, []byte) error {
		panic("boom")
	})

	// Still recovers when no logger is set.
	wrapped(nil, fakeMessage{topic: "hubmirror/device/lamp/set"})
}

func TestWrapHandler_LogsHandlerError(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	var gotTopic string
	var gotPayload string
	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = string(payload)
		return errors.New("handler error")
	})

	wrapped(nil, fakeMessage{
		topic:   "hubmirror/device/lamp/set",
		payload: []byte(`{"state":"ON"}`),
	})

	if gotTopic != "hubmirror/device/lamp/set" {
		t.Errorf("handler topic = %q", gotTopic)
	}
	if gotPayload != `{"state":"ON"}` {
		t.Errorf("handler payload = %q", gotPayload)
	}
	if logger.warnCount() != 1 {
		t.Errorf("warn log count = %d, want 1", logger.warnCount())
	}
}

func TestBuildStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("hubmirror-test")
	if !strings.Contains(online, `"status":"online"`) {
		t.Errorf("online payload = %q, missing online status", online)
	}
	if !strings.Contains(online, `"client_id":"hubmirror-test"`) {
		t.Errorf("online payload = %q, missing client id", online)
	}

	offline := buildOfflinePayload("hubmirror-test")
	if !strings.Contains(offline, `"status":"offline"`) {
		t.Errorf("offline payload = %q, missing offline status", offline)
	}
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %q, missing shutdown reason", offline)
	}
}
