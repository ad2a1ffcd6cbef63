// Package presence tracks which predictor bridges are alive on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/signstream/internal/bus"
	"github.com/loqalabs/signstream/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "sign.presence.announce"
	SubjectHeartbeatPrefix = "sign.presence.heartbeat"
)

const (
	RolePredictor = "predictor"
	RoleClient    = "client"
)

type Node struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Classifier string    `json:"classifier,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID     string    `json:"node_id"`
	Role       string    `json:"role"`
	Classifier string    `json:"classifier,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID     string    `json:"node_id"`
	Role       string    `json:"role,omitempty"`
	Classifier string    `json:"classifier,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Registry listens for announcements and heartbeats. A registry in the
// predictor role also announces itself and sends heartbeats; a client
// registry only observes.
type Registry struct {
	cfg        config.PresenceConfig
	role       string
	classifier string
	log        *slog.Logger
	bus        *bus.Client
	clock      func() time.Time
	mu         sync.RWMutex
	nodes      map[string]*Node
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	subs       []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.PresenceConfig, role, classifier string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		role:       role,
		classifier: classifier,
		log:        log.With(slog.String("component", "presence-registry")),
		bus:        busClient,
		clock:      time.Now,
		nodes:      make(map[string]*Node),
		cancel:     cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if role == RolePredictor {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slogError(err))
		}
		r.wg.Add(1)
		go r.runHeartbeat(ctx)
	}
	r.wg.Add(1)
	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:     r.cfg.NodeID,
		Role:       r.role,
		Classifier: r.classifier,
		Timestamp:  r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Classifier, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:     r.cfg.NodeID,
		Role:       r.role,
		Classifier: r.classifier,
		Timestamp:  r.clock().UTC(),
	}
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.NodeID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Classifier, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, hb.Role, hb.Classifier, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role, classifier string, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if classifier != "" {
		node.Classifier = classifier
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns every known node ordered by ID.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PredictorAvailable reports whether at least one healthy predictor is known.
func (r *Registry) PredictorAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.Role == RolePredictor && node.Healthy {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/signstream/presence")
	gauge, err := meter.Int64ObservableGauge("signstream.presence.nodes", metric.WithDescription("Known nodes"))
	if err != nil {
		return err
	}
	healthyGauge, err := meter.Int64ObservableGauge("signstream.presence.healthy", metric.WithDescription("Nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, healthy := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
