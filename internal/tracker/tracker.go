// Package tracker admits conversations up to the node's capacity and
// advertises the node's load to its peers.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/duet/internal/bus"
	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrAtCapacity is returned by Acquire when the node is full.
var ErrAtCapacity = errors.New("node is at conversation capacity")

// Conversation describes an admitted conversation.
type Conversation struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
}

// Peer is another node seen on the bus.
type Peer struct {
	NodeID              string    `json:"node_id"`
	ActiveConversations int       `json:"active_conversations"`
	Capacity            int       `json:"capacity"`
	LastSeen            time.Time `json:"last_seen"`
	Healthy             bool      `json:"healthy"`
}

type Tracker struct {
	cfg    config.NodeConfig
	prefix string
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time

	mu     sync.RWMutex
	active map[string]Conversation
	peers  map[string]*Peer
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription
}

// New starts a tracker. busClient may be nil, in which case no heartbeats
// are exchanged.
func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Tracker, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		cfg:    cfg,
		log:    log.With(slog.String("component", "tracker")),
		bus:    busClient,
		clock:  time.Now,
		active: make(map[string]Conversation),
		peers:  make(map[string]*Peer),
		cancel: cancel,
	}
	if busClient != nil {
		t.prefix = busClient.Prefix()
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		sub, err := busClient.Conn().Subscribe(protocol.HeartbeatSubject(t.prefix, "*"), t.handleHeartbeat)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe heartbeat: %w", err)
		}
		t.sub = sub
		t.wg.Add(1)
		go t.runHeartbeat(ctx)
	}
	return t, nil
}

func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	if t.sub != nil {
		_ = t.sub.Drain()
	}
	t.wg.Wait()
}

// Healthy reports whether the tracker still admits conversations.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Acquire admits c. The returned release must be called exactly once when
// the conversation ends.
func (t *Tracker) Acquire(c Conversation) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("tracker closed")
	}
	if t.cfg.MaxConversations > 0 && len(t.active) >= t.cfg.MaxConversations {
		return nil, ErrAtCapacity
	}
	if _, dup := t.active[c.ID]; dup {
		return nil, fmt.Errorf("conversation %s already active", c.ID)
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = t.clock().UTC()
	}
	t.active[c.ID] = c

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.active, c.ID)
			t.mu.Unlock()
		})
	}, nil
}

// Active lists admitted conversations, oldest first.
func (t *Tracker) Active() []Conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Conversation, 0, len(t.active))
	for _, c := range t.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Peers returns the nodes heard from on the bus, including this one.
func (t *Tracker) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	timeout := 3 * t.heartbeatInterval()
	now := t.clock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		p.Healthy = now.Sub(p.LastSeen) <= timeout
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (t *Tracker) heartbeatInterval() time.Duration {
	return time.Duration(t.cfg.HeartbeatInterval) * time.Millisecond
}

func (t *Tracker) runHeartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeatInterval())
	defer ticker.Stop()

	if err := t.publishHeartbeat(); err != nil {
		t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (t *Tracker) publishHeartbeat() error {
	hb := protocol.Heartbeat{
		NodeID:              t.cfg.ID,
		ActiveConversations: t.Count(),
		Capacity:            t.cfg.MaxConversations,
		Timestamp:           t.clock().UTC(),
	}
	return t.bus.PublishJSON(protocol.HeartbeatSubject(t.prefix, t.cfg.ID), hb)
}

func (t *Tracker) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = t.clock().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[hb.NodeID]
	if !ok {
		p = &Peer{NodeID: hb.NodeID}
		t.peers[hb.NodeID] = p
	}
	p.ActiveConversations = hb.ActiveConversations
	p.Capacity = hb.Capacity
	p.LastSeen = hb.Timestamp
	p.Healthy = true
}

func (t *Tracker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/duet/internal/tracker")
	activeGauge, err := meter.Int64ObservableGauge("duet.conversations.active", metric.WithDescription("Conversations running on this node"))
	if err != nil {
		return err
	}
	capacityGauge, err := meter.Int64ObservableGauge("duet.conversations.capacity", metric.WithDescription("Conversation capacity of this node, 0 when unlimited"))
	if err != nil {
		return err
	}
	peerGauge, err := meter.Int64ObservableGauge("duet.nodes.known", metric.WithDescription("Nodes heard from on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		t.mu.RLock()
		defer t.mu.RUnlock()
		obs.ObserveInt64(activeGauge, int64(len(t.active)))
		obs.ObserveInt64(capacityGauge, int64(t.cfg.MaxConversations))
		obs.ObserveInt64(peerGauge, int64(len(t.peers)))
		return nil
	}, activeGauge, capacityGauge, peerGauge)
	return err
}
