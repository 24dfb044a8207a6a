package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type pendingToken struct{ fakeToken }

func (pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type fakeMQTT struct {
	connected  bool
	connects   int
	connectErr error
	published  []published
	pending    bool
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func (f *fakeMQTT) Connect() mqtt.Token {
	f.connects++
	if f.connectErr == nil {
		f.connected = true
	}
	return fakeToken{err: f.connectErr}
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if f.pending {
		return pendingToken{}
	}
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return fakeToken{}
}

func (f *fakeMQTT) Disconnect(uint) { f.connected = false }

func TestMQTTSenderPublishesJSON(t *testing.T) {
	client := &fakeMQTT{}
	s := newMQTTSender(client, "chain-feed/entries", 1)

	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), EntryPayload{FeedID: "local", Key: "0 - a:b (block: 1)"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if client.connects != 1 {
		t.Fatalf("expected a single connect, got %d", client.connects)
	}
	if len(client.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(client.published))
	}
	msg := client.published[0]
	if msg.topic != "chain-feed/entries" || msg.qos != 1 {
		t.Fatalf("unexpected publish %+v", msg)
	}
	var got EntryPayload
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.FeedID != "local" || got.Key != "0 - a:b (block: 1)" {
		t.Fatalf("unexpected payload %+v", got)
	}

	_ = s.Close()
	if client.connected {
		t.Fatalf("expected disconnect on close")
	}
}

func TestMQTTSenderConnectError(t *testing.T) {
	client := &fakeMQTT{connectErr: errors.New("refused")}
	s := newMQTTSender(client, "t", 0)
	if err := s.Send(context.Background(), EntryPayload{}); err == nil {
		t.Fatalf("expected connect error")
	}
	if len(client.published) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestMQTTSenderHonoursContext(t *testing.T) {
	client := &fakeMQTT{connected: true, pending: true}
	s := newMQTTSender(client, "t", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, EntryPayload{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}
