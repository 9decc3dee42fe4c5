// Package telemetry publishes periodic router counter snapshots to an MQTT
// broker. It never touches the Forest wire format; it only reports on it.
//
// Grounded on the teacher's transport/mqtt/mqtt.go: the same paho client
// option wiring (auto-reconnect, connect retry/backoff, keepalive) and the
// Config-with-Logger-fallback shape, repurposed from "carry mesh packets"
// to "carry JSON stat snapshots" since Forest's own stat output (spec.md
// §6 "Stats are appended to a stat file") is an ambient concern the teacher
// would still reach for paho.mqtt.golang to expose remotely.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/jturner53/forest-router/internal/packet"
)

const defaultTopicPrefix = "forest-router"

// Config configures a Publisher.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string // default "forest-router"
	RouterID    string // path segment identifying this router, e.g. its fAdr
	Interval    time.Duration
	Logger      *slog.Logger
}

// Snapshot is one reporting interval's counters.
type Snapshot struct {
	Timestamp int64        `json:"ts"`
	Discards  uint64       `json:"discards"`
	InCounts  map[int]uint64 `json:"inCounts"`
	OutCounts map[int]uint64 `json:"outCounts"`
	Store     packet.Stats `json:"store"`
}

// Source is the subset of internal/runtime.Router telemetry needs; kept
// narrow so this package does not depend on internal/runtime.
type Source interface {
	Discards() uint64
	InCounts() map[int]uint64
	OutCounts() map[int]uint64
	StoreStats() packet.Stats
	Now() int64
}

// Publisher periodically publishes a Source's counters to MQTT.
type Publisher struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func New(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, log: logger.WithGroup("telemetry")}
}

func (p *Publisher) topic() string { return p.cfg.TopicPrefix + "/" + p.cfg.RouterID + "/stats" }

// Start connects to the broker. Run drives periodic publishing until ctx
// is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("telemetry: broker URL is required")
	}
	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "forest-router-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnected).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
	}
	if p.cfg.Password != "" {
		opts.SetPassword(p.cfg.Password)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("telemetry: connection timeout")
	}
	return token.Error()
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	if p.client != nil {
		p.client.Disconnect(1000)
	}
}

// Run publishes a Snapshot of src every cfg.Interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, src Source) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(src)
		}
	}
}

func (p *Publisher) publish(src Source) {
	if !p.IsConnected() {
		return
	}
	snap := Snapshot{
		Timestamp: src.Now(),
		Discards:  src.Discards(),
		InCounts:  src.InCounts(),
		OutCounts: src.OutCounts(),
		Store:     src.StoreStats(),
	}
	body, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("marshal snapshot", "error", err)
		return
	}
	token := p.client.Publish(p.topic(), 0, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		p.log.Debug("timeout publishing stats snapshot")
		return
	}
	if err := token.Error(); err != nil {
		p.log.Debug("publish stats snapshot", "error", err)
	}
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

func (p *Publisher) onConnected(_ paho.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.log.Info("connected to stats broker", "broker", p.cfg.Broker)
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.log.Error("stats broker connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
