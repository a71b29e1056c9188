// Package publish forwards decoded frames to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/gradsense/internal/frame"
)

const defaultNetworkTimeout = 5 * time.Second

// Config holds broker settings.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
	Timeout  time.Duration
	Log      *log.Logger
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON payload of one frame.
type Message struct {
	ID          uint16      `json:"id"`
	TimestampMs uint32      `json:"timestampMs"`
	Nodes       [][]float32 `json:"nodes"`
	Stamp       int64       `json:"stamp"` // host receive time, Unix ms
}

// Publisher sends frames to one topic. Frames arriving while the broker
// is unreachable are dropped and counted.
type Publisher struct {
	cfg Config
	m   client
	log *log.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a publisher. Call Run to connect.
func New(cfg Config) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNetworkTimeout
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetAutoReconnect(true).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout * 3).
		SetKeepAlive(cfg.Timeout * 6).
		SetPingTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetMaxReconnectInterval(cfg.Timeout * 3).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	return newPublisher(cfg, mqtt.NewClient(opts))
}

func newPublisher(cfg Config, m client) *Publisher {
	lg := cfg.Log
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNetworkTimeout
	}
	return &Publisher{cfg: cfg, m: m, log: lg}
}

// Run connects, retrying every second, and disconnects when ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for !p.m.IsConnected() {
		if err := p.tokenWait(p.m.Connect(), "connect"); err == nil {
			p.log.Printf("[mqtt] connected to %s", p.cfg.Broker)
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	<-ctx.Done()
	p.m.Disconnect(uint(p.cfg.Timeout / time.Millisecond))
}

// Record publishes one frame.
func (p *Publisher) Record(f *frame.Frame) {
	if f == nil {
		return
	}
	if !p.m.IsConnected() {
		p.dropped.Add(1)
		return
	}
	payload, err := json.Marshal(NewMessage(f, time.Now()))
	if err != nil {
		p.dropped.Add(1)
		return
	}
	t := p.m.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if err := p.tokenWait(t, "publish"); err != nil {
		p.dropped.Add(1)
		return
	}
	p.sent.Add(1)
}

// Counts returns how many frames were sent and dropped.
func (p *Publisher) Counts() (sent, dropped uint64) {
	return p.sent.Load(), p.dropped.Load()
}

// NewMessage groups frame values per node.
func NewMessage(f *frame.Frame, now time.Time) Message {
	m := Message{ID: f.ID, TimestampMs: f.Timestamp, Stamp: now.UnixMilli()}
	for i := 0; i < f.Nodes(); i++ {
		m.Nodes = append(m.Nodes, f.Node(i))
	}
	return m
}

func (p *Publisher) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(p.cfg.Timeout) {
		err := fmt.Errorf("mqtt %s timeout", tag)
		p.log.Printf("[mqtt] %v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = fmt.Errorf("mqtt %s: %w", tag, err)
		p.log.Printf("[mqtt] %v", err)
		return err
	}
	return nil
}
