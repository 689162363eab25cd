package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dapr/go-sdk/service/common"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	entities []string
	active   map[string]bool
}

func (r *recordingNotifier) NotifyChanged(entity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = append(r.entities, entity)
	return r.active[entity]
}

func (r *recordingNotifier) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entities...)
}

func TestDecode(t *testing.T) {
	cases := map[string][]string{
		`{"entity":"orders"}`:                        {"orders"},
		`{"entities":["orders","dw.customers"]}`:     {"orders", "dw.customers"},
		`{"entity":"orders","entities":["orders"]}`: {"orders"},
		`"claims"`:                                   {"claims"},
		"  claims\n":                                 {"claims"},
	}
	for payload, want := range cases {
		got, err := Decode([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, got, payload)
	}

	for _, bad := range []string{"", "{}", `{"entity":`, `{"entity":"orders; drop table x"}`, "a.b.c.d", `{"entities":["ok","bad name"]}`} {
		_, err := Decode([]byte(bad))
		assert.ErrorIs(t, err, ErrBadEvent, bad)
	}
}

func TestHandler_Handle(t *testing.T) {
	n := &recordingNotifier{active: map[string]bool{"orders": true}}
	h := NewHandler(n)

	woken, err := h.Handle(SourceHTTP, []byte(`{"entities":["orders","customers"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, woken)
	assert.Equal(t, []string{"orders", "customers"}, n.seen())

	_, err = h.Handle(SourceHTTP, []byte("not valid!"))
	assert.ErrorIs(t, err, ErrBadEvent)
	assert.Len(t, n.seen(), 2)
}

type fakeReader struct {
	messages chan kafka.Message
	closed   chan struct{}
	once     sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestKafkaListener(t *testing.T) {
	assert.Nil(t, NewKafkaListener(KafkaConfig{Topic: "changes"}, nil))

	n := &recordingNotifier{}
	l := NewKafkaListener(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "changes"}, NewHandler(n))
	require.NotNil(t, l)
	assert.Equal(t, "kafka:changes", l.Name())
	l.reader = newFakeReader(
		kafka.Message{Value: []byte(`{"entity":"orders"}`)},
		kafka.Message{Key: []byte("claims")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	assert.Eventually(t, func() bool { return len(n.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, l.Close())
	assert.Equal(t, []string{"orders", "claims"}, n.seen())
}

type fakeMQTTMessage struct {
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 1 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return "dq/changes" }
func (m fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}

func TestMQTTListener_OnMessage(t *testing.T) {
	assert.Nil(t, NewMQTTListener(MQTTConfig{Broker: "tcp://localhost:1883"}, nil))

	n := &recordingNotifier{}
	l := NewMQTTListener(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "dq/changes"}, NewHandler(n))
	require.NotNil(t, l)
	assert.NotEmpty(t, l.cfg.ClientID)

	l.onMessage(nil, fakeMQTTMessage{payload: []byte(`{"entity":"orders"}`)})
	assert.Equal(t, []string{"orders"}, n.seen())
	require.NoError(t, l.Close())
}

func TestNATSListener_OnMessage(t *testing.T) {
	assert.Nil(t, NewNATSListener(NATSConfig{URL: nats.DefaultURL}, nil))

	n := &recordingNotifier{}
	l := NewNATSListener(NATSConfig{URL: nats.DefaultURL, Subject: "dq.changes"}, NewHandler(n))
	require.NotNil(t, l)
	l.onMessage(&nats.Msg{Data: []byte(`"dw.orders"`)})
	assert.Equal(t, []string{"dw.orders"}, n.seen())
	require.NoError(t, l.Close())
}

func TestDaprTopicHandler(t *testing.T) {
	n := &recordingNotifier{}
	handler := NewHandler(n).TopicHandler()

	retry, err := handler(context.Background(), &common.TopicEvent{RawData: []byte(`{"entity":"orders"}`)})
	require.NoError(t, err)
	assert.False(t, retry)

	retry, err = handler(context.Background(), &common.TopicEvent{Data: map[string]interface{}{"entities": []string{"claims"}}})
	require.NoError(t, err)
	assert.False(t, retry)

	retry, err = handler(context.Background(), &common.TopicEvent{})
	assert.ErrorIs(t, err, ErrBadEvent)
	assert.False(t, retry)

	assert.Equal(t, []string{"orders", "claims"}, n.seen())

	assert.Nil(t, DaprConfig{Topic: "changes"}.Subscription())
	sub := DaprConfig{PubsubName: "pubsub", Topic: "changes"}.Subscription()
	require.NotNil(t, sub)
	assert.Equal(t, "/dapr/events/entity-changed", sub.Route)
}

type stubListener struct {
	name     string
	startErr error
	closed   bool
}

func (s *stubListener) Name() string                { return s.name }
func (s *stubListener) Start(context.Context) error { return s.startErr }
func (s *stubListener) Close() error                { s.closed = true; return nil }

func TestFeed_StartFailureClosesStarted(t *testing.T) {
	first := &stubListener{name: "first"}
	second := &stubListener{name: "second", startErr: errors.New("boom")}
	third := &stubListener{name: "third"}

	feed := NewFeed(first, nil, second, third)
	assert.Len(t, feed.Listeners(), 3)

	err := feed.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.True(t, first.closed)
	assert.False(t, third.closed)
}
