package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gradsense/internal/frame"
)

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }

type pub struct {
	topic   string
	qos     byte
	payload []byte
}

type mockClient struct {
	mu          sync.Mutex
	connected   bool
	connectErrs int
	pubErr      error
	pubs        []pub
	disconnects int
}

func (m *mockClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErrs > 0 {
		m.connectErrs--
		return mockToken{errors.New("refused")}
	}
	m.connected = true
	return mockToken{}
}

func (m *mockClient) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnects++
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return mockToken{m.pubErr}
	}
	m.pubs = append(m.pubs, pub{topic, qos, payload.([]byte)})
	return mockToken{}
}

func testFrame() *frame.Frame {
	values := make([]float32, frame.DefaultLayout.Values())
	for i := range values {
		values[i] = float32(i)
	}
	return &frame.Frame{ID: 7, Timestamp: 1234, Values: values}
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(testFrame(), time.UnixMilli(99))
	require.Len(t, m.Nodes, 6)
	assert.Equal(t, []float32{4, 5, 6, 7}, m.Nodes[1])
	assert.Equal(t, uint16(7), m.ID)
	assert.Equal(t, int64(99), m.Stamp)
}

func TestRecordPublishes(t *testing.T) {
	mc := &mockClient{connected: true}
	p := newPublisher(Config{Topic: "lab/array", QoS: 1}, mc)

	p.Record(testFrame())
	p.Record(nil)

	require.Len(t, mc.pubs, 1)
	assert.Equal(t, "lab/array", mc.pubs[0].topic)
	assert.Equal(t, byte(1), mc.pubs[0].qos)

	var got Message
	require.NoError(t, json.Unmarshal(mc.pubs[0].payload, &got))
	assert.Equal(t, uint32(1234), got.TimestampMs)

	sent, dropped := p.Counts()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), dropped)
}

func TestRecordDropsWhenOffline(t *testing.T) {
	mc := &mockClient{}
	p := newPublisher(Config{Topic: "x"}, mc)
	p.Record(testFrame())

	mc.connected = true
	mc.pubErr = errors.New("broken pipe")
	p.Record(testFrame())

	sent, dropped := p.Counts()
	assert.Equal(t, uint64(0), sent)
	assert.Equal(t, uint64(2), dropped)
}

func TestRunRetriesAndDisconnects(t *testing.T) {
	mc := &mockClient{connectErrs: 1}
	p := newPublisher(Config{Broker: "tcp://test:1883"}, mc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, mc.IsConnected, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	assert.Equal(t, 1, mc.disconnects)
}
