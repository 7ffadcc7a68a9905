package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swarm/metrics"
	"swarm/protocol"
)

// Node is a connected worker as seen by the router.
type Node struct {
	ID          string
	Addr        string
	Status      protocol.Status
	Config      protocol.ConfigMessage
	ConnectedAt time.Time

	link  Link
	tasks map[string]*Session
}

// NodeView is an immutable copy of a Node used for scheduling and display.
type NodeView struct {
	ID          string                 `json:"id"`
	Addr        string                 `json:"ip"`
	Status      protocol.Status        `json:"status"`
	Config      protocol.ConfigMessage `json:"config"`
	Load        int                    `json:"tasks"`
	ConnectedAt time.Time              `json:"connected_at"`
}

// Model returns the advertised model id, empty until a config arrived.
func (v NodeView) Model() string { return v.Config.Model.ID }

func (n *Node) view() NodeView {
	return NodeView{
		ID:          n.ID,
		Addr:        n.Addr,
		Status:      n.Status,
		Config:      n.Config,
		Load:        len(n.tasks),
		ConnectedAt: n.ConnectedAt,
	}
}

// Registry owns the connected nodes and the sessions assigned to them. It
// is empty at startup; entries follow connection events.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	order    []string // registration order, for deterministic scans
	sessions map[string]*Session

	log zerolog.Logger
}

// NewRegistry creates a Registry. When sessionTimeout is positive a
// background sweeper expires sessions that received no output for that long;
// it stops with ctx.
func NewRegistry(ctx context.Context, log zerolog.Logger, sessionTimeout time.Duration) *Registry {
	r := &Registry{
		nodes:    make(map[string]*Node),
		sessions: make(map[string]*Session),
		log:      log,
	}
	if sessionTimeout > 0 {
		go r.expireStaleSessions(ctx, sessionTimeout)
	}
	return r
}

// Register adds a freshly connected node with status unknown and returns its id.
func (r *Registry) Register(link Link, addr string) string {
	n := &Node{
		ID:          uuid.NewString(),
		Addr:        addr,
		Status:      protocol.StatusUnknown,
		ConnectedAt: time.Now(),
		link:        link,
		tasks:       make(map[string]*Session),
	}

	r.mu.Lock()
	r.nodes[n.ID] = n
	r.order = append(r.order, n.ID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.log.Info().Str("node", n.ID).Str("ip", addr).Msg("node connected")
	return n.ID
}

// UpdateConfig records the node's advertised capability. Last write wins.
func (r *Registry) UpdateConfig(id string, cfg protocol.ConfigMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("update config of %s: %w", id, ErrNodeNotFound)
	}
	n.Config = cfg
	r.log.Info().Str("node", id).Str("ip", n.Addr).
		Str("model", cfg.Model.ID).Str("gpu", cfg.GPU.Model).Int("memory", cfg.Memory).
		Msg("node config")
	return nil
}

// UpdateStatus sets the node's health. Setting the current status again is a
// no-op and reports changed=false. Going offline fails every session
// assigned to the node.
func (r *Registry) UpdateStatus(id string, status protocol.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false, fmt.Errorf("update status of %s: %w", id, ErrNodeNotFound)
	}
	if n.Status == status {
		return false, nil
	}
	n.Status = status
	r.log.Info().Str("node", id).Str("ip", n.Addr).Str("status", string(status)).Msg("node status")

	if status == protocol.StatusOffline {
		r.failTasksLocked(n)
	}
	r.updateGaugesLocked()
	return true, nil
}

// Unregister removes a node after its connection was lost and fails every
// session assigned to it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	r.failTasksLocked(n)
	delete(r.nodes, id)
	for i, nid := range r.order {
		if nid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.updateGaugesLocked()
	r.log.Info().Str("node", id).Str("ip", n.Addr).Msg("node disconnected")
}

// failTasksLocked force-completes every session of n.
func (r *Registry) failTasksLocked(n *Node) {
	for _, s := range n.tasks {
		r.detachLocked(n, s, OutcomeFailed)
	}
}

// detachLocked removes s from its node's load and closes it in the same
// critical section, so no producer can reach it afterwards.
func (r *Registry) detachLocked(n *Node, s *Session, outcome string) bool {
	if n.tasks[s.Key()] != s {
		return false
	}
	delete(n.tasks, s.Key())
	delete(r.sessions, s.Key())
	metrics.ActiveSessions.Dec()
	if !s.close(outcome) {
		return false
	}
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	return true
}

// Assign creates a session for req on the node and sends it the task. The
// session is attached before the send so that output racing the send is not
// dropped. If the send fails the session is discarded. A node that is not
// online is refused with ErrNoAvailableNode.
func (r *Registry) Assign(nodeID string, req *InferenceRequest) (*Session, error) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("assign %s: %w", req.Key, ErrNodeNotFound)
	}
	// 选择与分配之间节点可能已下线
	if n.Status != protocol.StatusOnline {
		r.mu.Unlock()
		return nil, fmt.Errorf("assign %s to %s node %s: %w", req.Key, n.Status, nodeID, ErrNoAvailableNode)
	}
	if _, dup := r.sessions[req.Key]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("assign %s: %w", req.Key, ErrDuplicateKey)
	}
	s := newSession(req, n.ID, n.Addr)
	n.tasks[req.Key] = s
	r.sessions[req.Key] = s
	metrics.ActiveSessions.Inc()
	link := n.link
	r.mu.Unlock()

	if err := link.Send(req.AddTask()); err != nil {
		r.mu.Lock()
		if n, ok := r.nodes[nodeID]; ok {
			r.detachLocked(n, s, OutcomeFailed)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("send task %s to node %s: %w", req.Key, nodeID, err)
	}
	return s, nil
}

// Deliver routes an output message from nodeID to its session. A key the
// node has no session for is answered with remove_task so a stale worker
// stops generating.
func (r *Registry) Deliver(nodeID string, msg protocol.OutputMessage) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("deliver %s: %w", msg.Key, ErrNodeNotFound)
	}
	s, ok := n.tasks[msg.Key]
	if !ok {
		link := n.link
		r.mu.Unlock()
		r.log.Debug().Str("node", nodeID).Str("key", msg.Key).Msg("output for unknown session, dropping task")
		return link.Send(protocol.RemoveTaskMessage{Key: msg.Key})
	}
	if msg.Done {
		delete(n.tasks, msg.Key)
		delete(r.sessions, msg.Key)
		metrics.ActiveSessions.Dec()
	}
	if s.deliver(msg) {
		metrics.FragmentsRelayed.WithLabelValues(s.Request.Model).Inc()
		if msg.Done {
			metrics.SessionsTotal.WithLabelValues(OutcomeCompleted).Inc()
		}
	}
	r.mu.Unlock()
	return nil
}

// Cancel ends a session on behalf of its client: the session leaves its
// node's load, is closed, and the node is told to drop the task. It reports
// false if the session had already ended.
func (r *Registry) Cancel(s *Session) bool {
	return r.end(s, OutcomeCanceled)
}

func (r *Registry) end(s *Session, outcome string) bool {
	r.mu.Lock()
	n, ok := r.nodes[s.NodeID]
	if !ok || !r.detachLocked(n, s, outcome) {
		r.mu.Unlock()
		return false
	}
	link := n.link
	r.mu.Unlock()

	if err := link.Send(protocol.RemoveTaskMessage{Key: s.Key()}); err != nil {
		r.log.Warn().Err(err).Str("node", s.NodeID).Str("key", s.Key()).Msg("send remove_task")
	}
	return true
}

// expireStaleSessions ends sessions whose node has been silent for longer
// than timeout, until ctx is done.
func (r *Registry) expireStaleSessions(ctx context.Context, timeout time.Duration) {
	interval := timeout / 4
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var stale []*Session
			r.mu.RLock()
			for _, s := range r.sessions {
				if s.idleFor(now) > timeout {
					stale = append(stale, s)
				}
			}
			r.mu.RUnlock()

			for _, s := range stale {
				if r.end(s, OutcomeExpired) {
					r.log.Warn().Str("node", s.NodeID).Str("key", s.Key()).Dur("timeout", timeout).Msg("session expired")
				}
			}
		}
	}
}

// Snapshot returns a consistent copy of all nodes in registration order.
func (r *Registry) Snapshot() []NodeView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]NodeView, 0, len(r.order))
	for _, id := range r.order {
		views = append(views, r.nodes[id].view())
	}
	return views
}

// Models returns the distinct models advertised by connected nodes, the
// default model first and the rest in registration order.
func (r *Registry) Models(defaultModel string) []protocol.ModelInfo {
	var models []protocol.ModelInfo
	seen := make(map[string]bool)
	for _, v := range r.Snapshot() {
		m := v.Config.Model
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.ID == defaultModel {
			models = append([]protocol.ModelInfo{m}, models...)
			continue
		}
		models = append(models, m)
	}
	return models
}

// Session returns the live session for key, if any.
func (r *Registry) Session(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

func (r *Registry) updateGaugesLocked() {
	counts := map[protocol.Status]int{
		protocol.StatusUnknown: 0,
		protocol.StatusOnline:  0,
		protocol.StatusOffline: 0,
	}
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	for st, c := range counts {
		metrics.NodesByStatus.WithLabelValues(string(st)).Set(float64(c))
	}
}
