package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("cluster")

// Messenger delivers membership messages to other nodes.
// Nodes are addressed by endpoint; the name of a seed is not known before its first answer.
type Messenger interface {
	Heartbeat(ctx context.Context, to NodeInfo, hb *Heartbeat) (*Heartbeat, error)
	Propose(ctx context.Context, to NodeInfo, p *Proposal) (*Ack, error)
	Commit(ctx context.Context, to NodeInfo, c *Commit) error
}

// Config configures the membership of a node.
type Config struct {
	Self              NodeInfo
	Seeds             []string      // endpoints of known nodes; empty starts a new cluster
	HeartbeatInterval time.Duration // time between heartbeats
	SuspectAfter      int           // missed intervals until a peer is suspect
	RemoveAfter       int           // missed intervals until a peer is failed and removed from the view
	VoteTimeout       time.Duration // time a voting round may take
	Fingerprint       uint64        // codec registry fingerprint
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 3
	}
	if c.RemoveAfter <= c.SuspectAfter {
		c.RemoveAfter = c.SuspectAfter * 3
	}
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = 5 * c.HeartbeatInterval
	}
	return c
}

// PeerStatus is the local knowledge about another node.
type PeerStatus struct {
	Info     NodeInfo  `json:"info"`
	State    NodeState `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	Version  uint64    `json:"view_version"`
	Load     Load      `json:"load"`
}

type peer struct {
	PeerStatus
	leaving bool
}

// Membership tracks the live peers of the local node and agrees on views with them.
//
// Every node sends heartbeats to all peers it knows. Peers that miss heartbeats become suspect
// and finally failed. Whenever the set of live nodes differs from the locked view, the
// coordinator (the lowest named live node among those with the newest view) proposes a new
// view. The view is installed only after every member acknowledged it.
type Membership struct {
	cfg  Config
	msg  Messenger
	load *LoadMeter

	view atomic.Pointer[View]

	mu        sync.Mutex
	peers     map[string]*peer
	round     uint64 // highest round seen
	promised  uint64 // round of the last acknowledged proposal
	promiseTo string // proposer of that round
	pending   *View  // acknowledged, not yet committed view
	pendingAt time.Time
	listeners []func(prev, next *View)
	leaving   bool

	voting  atomic.Bool
	changes chan [2]*View
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewMembership creates the membership of the local node. Call Start to begin heartbeating.
func NewMembership(cfg Config, msg Messenger, load *LoadMeter) *Membership {
	if load == nil {
		load = NewLoadMeter(0)
	}
	return &Membership{
		cfg:     cfg.withDefaults(),
		msg:     msg,
		load:    load,
		peers:   make(map[string]*peer),
		changes: make(chan [2]*View, 64),
		stop:    make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (m *Membership) Self() NodeInfo { return m.cfg.Self }

// View returns the locked view (nil while joining).
func (m *Membership) View() *View { return m.view.Load() }

// Load returns the load meter of the local node.
func (m *Membership) Load() *LoadMeter { return m.load }

// OnViewChange registers fn to be called after a new view was installed. Listeners run one
// after another on a dedicated goroutine, in the order views were installed.
func (m *Membership) OnViewChange(fn func(prev, next *View)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Peers returns the status of every known peer, sorted by name.
func (m *Membership) Peers() []PeerStatus {
	m.mu.Lock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.PeerStatus)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}

// IsAlive reports whether the named node is this node or a peer that is neither failed nor leaving.
func (m *Membership) IsAlive(name string) bool {
	if name == m.cfg.Self.Name {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[name]
	return ok && p.State != NodeFailed && p.State != NodeLeaving
}

// RequireConverged returns a MembershipNotConvergedError unless the live nodes equal the locked
// view and no voting round is pending.
func (m *Membership) RequireConverged() error {
	v := m.View()
	if v == nil {
		return &errs.MembershipNotConvergedError{Reason: "no view installed yet"}
	}
	m.mu.Lock()
	live := m.liveLocked()
	pending := m.pending != nil && m.pending.Version > v.Version
	m.mu.Unlock()
	if pending || m.voting.Load() {
		return &errs.MembershipNotConvergedError{Version: v.Version, Reason: "voting round in progress"}
	}
	if !sameNames(live, v.Names()) {
		return &errs.MembershipNotConvergedError{Version: v.Version, Reason: fmt.Sprintf("live nodes %v differ from view", live)}
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start begins heartbeating. Without seeds the node starts a new cluster and installs a view
// containing only itself.
func (m *Membership) Start() {
	if m.started.Swap(true) {
		return
	}
	if len(m.cfg.Seeds) == 0 {
		log.Infof("no seeds given, starting new cluster as %s", m.cfg.Self)
		m.install(NewView(1, []NodeInfo{m.cfg.Self}))
	}
	m.wg.Add(2)
	go m.dispatch()
	go m.loop()
}

// Leave announces a graceful shutdown to every peer and stops the membership.
func (m *Membership) Leave(ctx context.Context) {
	m.mu.Lock()
	m.leaving = true
	m.mu.Unlock()
	m.broadcastHeartbeats(ctx)
	m.Stop()
}

// Stop stops heartbeating without notifying peers.
func (m *Membership) Stop() {
	if !m.started.Load() {
		return
	}
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	m.wg.Wait()
	m.load.Stop()
}

func (m *Membership) loop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		m.broadcastHeartbeats(ctx)
		cancel()
		m.updateStates()
		m.maybePropose()
		m.repairLagging()
	}
}

// dispatch calls the view listeners for every installed view.
func (m *Membership) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case c := <-m.changes:
			m.mu.Lock()
			fns := append([]func(prev, next *View){}, m.listeners...)
			m.mu.Unlock()
			for _, fn := range fns {
				fn(c[0], c[1])
			}
		}
	}
}

// --------------------------------------------------------------------------
// Heartbeats
// --------------------------------------------------------------------------

func (m *Membership) heartbeat() *Heartbeat {
	m.mu.Lock()
	leaving := m.leaving
	m.mu.Unlock()
	var version uint64
	if v := m.View(); v != nil {
		version = v.Version
	}
	return &Heartbeat{
		From:        m.cfg.Self,
		Version:     version,
		Fingerprint: m.cfg.Fingerprint,
		Leaving:     leaving,
		Load:        m.load.Sample(),
	}
}

// broadcastHeartbeats sends a heartbeat to every known peer and to every seed that is not known
// yet, and records the answers.
func (m *Membership) broadcastHeartbeats(ctx context.Context) {
	hb := m.heartbeat()

	m.mu.Lock()
	targets := make([]NodeInfo, 0, len(m.peers)+len(m.cfg.Seeds))
	known := make(map[string]bool, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, p.Info)
		known[p.Info.Endpoint] = true
	}
	m.mu.Unlock()
	for _, seed := range m.cfg.Seeds {
		if !known[seed] && seed != m.cfg.Self.Endpoint {
			targets = append(targets, NodeInfo{Endpoint: seed})
		}
	}

	var wg sync.WaitGroup
	for _, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := m.msg.Heartbeat(ctx, to, hb)
			if err != nil {
				log.Debugf("heartbeat to %s failed: %v", to, err)
				return
			}
			metrics.GetOrCreateCounter(`dframe_cluster_heartbeats_total{dir="sent"}`).Inc()
			if _, err := m.observe(reply); err != nil {
				log.Warningf("refusing %s: %v", reply.From, err)
			}
		}()
	}
	wg.Wait()
}

// HandleHeartbeat records a heartbeat of a peer and returns the local heartbeat.
func (m *Membership) HandleHeartbeat(hb *Heartbeat) (*Heartbeat, error) {
	metrics.GetOrCreateCounter(`dframe_cluster_heartbeats_total{dir="received"}`).Inc()
	if _, err := m.observe(hb); err != nil {
		return nil, err
	}
	return m.heartbeat(), nil
}

// observe records a heartbeat. It returns whether the sender was unknown before.
func (m *Membership) observe(hb *Heartbeat) (bool, error) {
	if hb == nil || hb.From.Name == "" || hb.From.Name == m.cfg.Self.Name {
		return false, nil
	}
	if hb.Fingerprint != m.cfg.Fingerprint {
		return false, &errs.InvalidOperationError{Msg: fmt.Sprintf(
			"node %s uses a different codec registry (fingerprint %x, local %x)", hb.From.Name, hb.Fingerprint, m.cfg.Fingerprint)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[hb.From.Name]
	if !ok {
		p = &peer{PeerStatus: PeerStatus{Info: hb.From, State: NodeJoining}}
		m.peers[hb.From.Name] = p
		log.Infof("discovered node %s", hb.From)
	}
	if p.Info != hb.From {
		log.Infof("node %s restarted (%s)", hb.From.Name, hb.From.Endpoint)
		p.Info = hb.From
	}
	p.LastSeen = time.Now()
	p.Version = hb.Version
	p.Load = hb.Load
	p.leaving = hb.Leaving
	m.stateLocked(p, p.LastSeen)
	return !ok, nil
}

// Discover adds a node found by an external discovery mechanism (e.g. gossip).
// The node becomes live with its first answered heartbeat.
func (m *Membership) Discover(info NodeInfo) {
	if info.Name == "" || info.Name == m.cfg.Self.Name {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[info.Name]; !ok {
		m.peers[info.Name] = &peer{PeerStatus: PeerStatus{Info: info, State: NodeJoining, LastSeen: time.Now()}}
		log.Infof("discovered node %s", info)
	}
}

// MarkFailed declares a peer failed without waiting for the heartbeat timeout.
func (m *Membership) MarkFailed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[name]; ok && p.State != NodeFailed {
		p.State = NodeFailed
		p.LastSeen = time.Time{}
		log.Warningf("node %s marked failed", name)
	}
}

func (m *Membership) updateStates() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		m.stateLocked(p, now)
	}
	// a proposal whose commit never arrived does not block forever
	if m.pending != nil && now.Sub(m.pendingAt) > 2*m.cfg.VoteTimeout {
		log.Infof("dropping uncommitted proposal %s of %s", m.pending, m.promiseTo)
		m.pending = nil
	}
}

func (m *Membership) stateLocked(p *peer, now time.Time) {
	since := now.Sub(p.LastSeen)
	interval := m.cfg.HeartbeatInterval
	old := p.State
	inView := m.View().Contains(p.Info.Name)
	switch {
	case p.leaving:
		p.State = NodeLeaving
	case since > time.Duration(m.cfg.RemoveAfter)*interval:
		p.State = NodeFailed
	case since > time.Duration(m.cfg.SuspectAfter)*interval:
		p.State = NodeSuspect
	case inView:
		p.State = NodeActive
	default:
		p.State = NodeJoining
	}
	if old != p.State {
		log.Infof("node %s: %s -> %s", p.Info.Name, old, p.State)
	}
}

// liveLocked returns the sorted names of all nodes that belong into the next view.
func (m *Membership) liveLocked() []string {
	names := []string{m.cfg.Self.Name}
	for name, p := range m.peers {
		if p.State != NodeFailed && p.State != NodeLeaving {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Voting
// --------------------------------------------------------------------------

// maybePropose starts a voting round if the live nodes differ from the locked view and the
// local node is the coordinator.
func (m *Membership) maybePropose() {
	m.mu.Lock()
	if m.leaving {
		m.mu.Unlock()
		return
	}
	current := m.View()
	var version uint64
	if current != nil {
		version = current.Version
	}
	live := m.liveLocked()
	if current != nil && sameNames(live, current.Names()) {
		m.mu.Unlock()
		return
	}

	// the coordinator is the lowest named live node among those with the newest view
	newest := version
	for _, p := range m.peers {
		if p.State != NodeFailed && p.State != NodeLeaving && p.Version > newest {
			newest = p.Version
		}
	}
	coordinator := ""
	for _, name := range live {
		v := version
		if name != m.cfg.Self.Name {
			v = m.peers[name].Version
		}
		if v == newest {
			coordinator = name
			break
		}
	}
	if coordinator != m.cfg.Self.Name || newest > version {
		m.mu.Unlock()
		return
	}
	members := []NodeInfo{m.cfg.Self}
	for _, name := range live {
		if name != m.cfg.Self.Name {
			members = append(members, m.peers[name].Info)
		}
	}
	m.round++
	round := m.round
	m.mu.Unlock()

	if !m.voting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.voting.Store(false)
		if err := m.Vote(round, NewView(version+1, members)); err != nil {
			metrics.GetOrCreateCounter(`dframe_cluster_vote_failures_total`).Inc()
			log.Warningf("voting round %d failed: %v", round, err)
		}
	}()
}

// Vote runs one voting round for view: every member must acknowledge the proposal within the
// vote timeout, then the view is committed on every member.
func (m *Membership) Vote(round uint64, view *View) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.VoteTimeout)
	defer cancel()
	log.Infof("round %d: proposing %s", round, view)

	p := &Proposal{Round: round, Proposer: m.cfg.Self.Name, View: *view}
	if ack := m.HandlePropose(p); !ack.Ok {
		return &errs.MembershipNotConvergedError{Version: view.Version, Reason: "proposal rejected locally: " + ack.Reason}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range view.Members {
		if member.Name == m.cfg.Self.Name {
			continue
		}
		g.Go(func() error {
			ack, err := m.msg.Propose(gctx, member, p)
			if err != nil {
				return fmt.Errorf("no ack from %s: %w", member.Name, err)
			}
			if !ack.Ok {
				m.mu.Lock()
				m.round = max(m.round, ack.Round)
				m.mu.Unlock()
				return fmt.Errorf("%s rejected: %s", member.Name, ack.Reason)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.mu.Lock()
		if m.pending != nil && m.promised == round && m.promiseTo == m.cfg.Self.Name {
			m.pending = nil
		}
		m.mu.Unlock()
		return &errs.MembershipNotConvergedError{Version: view.Version, Reason: err.Error()}
	}

	c := &Commit{Round: round, View: *view}
	m.HandleCommit(c)
	for _, member := range view.Members {
		if member.Name == m.cfg.Self.Name {
			continue
		}
		if err := m.msg.Commit(ctx, member, c); err != nil {
			// the member installs the view with a later round or notices the newer version by heartbeat
			log.Warningf("commit of round %d to %s failed: %v", round, member.Name, err)
		}
	}
	return nil
}

// repairLagging sends the locked view to members that still report an older one, e.g. because
// the commit of the last round did not reach them.
func (m *Membership) repairLagging() {
	v := m.View()
	if v == nil || m.voting.Load() {
		return
	}
	m.mu.Lock()
	var lagging []NodeInfo
	for name, p := range m.peers {
		if v.Contains(name) && p.Version < v.Version && p.State == NodeActive {
			lagging = append(lagging, p.Info)
		}
	}
	round := m.round
	m.mu.Unlock()

	for _, to := range lagging {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		if err := m.msg.Commit(ctx, to, &Commit{Round: round, View: *v}); err != nil {
			log.Debugf("resending %s to %s failed: %v", v, to.Name, err)
		}
		cancel()
	}
}

// HandlePropose decides whether the local node accepts a proposed view.
// A proposal is accepted if it contains the local node, is newer than the locked view and its
// round is not older than the last accepted round.
func (m *Membership) HandlePropose(p *Proposal) *Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack := &Ack{Round: p.Round, From: m.cfg.Self.Name}
	if p.Round > m.round {
		m.round = p.Round
	}

	var version uint64
	if v := m.View(); v != nil {
		version = v.Version
	}
	switch {
	case m.leaving:
		ack.Reason = "node is leaving"
	case !p.View.Contains(m.cfg.Self.Name):
		ack.Reason = "proposal does not contain the node"
	case p.View.Version <= version:
		ack.Reason = fmt.Sprintf("proposal version %d is not newer than locked view %d", p.View.Version, version)
	case m.pending != nil && m.pending.Version >= p.View.Version && p.Round < m.promised:
		ack.Reason = fmt.Sprintf("already accepted round %d of %s", m.promised, m.promiseTo)
	default:
		ack.Ok = true
		m.promised = p.Round
		m.promiseTo = p.Proposer
		pending := p.View
		m.pending = &pending
		m.pendingAt = time.Now()
	}
	if !ack.Ok {
		ack.Round = m.round
	}
	return ack
}

// HandleCommit installs the committed view if it is newer than the locked view.
func (m *Membership) HandleCommit(c *Commit) {
	v := c.View
	if !v.Contains(m.cfg.Self.Name) {
		return
	}
	m.mu.Lock()
	if m.pending != nil && m.pending.Version <= v.Version {
		m.pending = nil
	}
	m.mu.Unlock()
	m.install(&v)
}

// install publishes v if it is newer than the locked view.
func (m *Membership) install(v *View) {
	for {
		prev := m.view.Load()
		if prev != nil && prev.Version >= v.Version {
			return
		}
		if m.view.CompareAndSwap(prev, v) {
			log.Infof("installed %s", v)
			m.mu.Lock()
			for _, member := range v.Members {
				if _, ok := m.peers[member.Name]; !ok && member.Name != m.cfg.Self.Name {
					m.peers[member.Name] = &peer{PeerStatus: PeerStatus{Info: member, LastSeen: time.Now(), Version: v.Version}}
				}
			}
			m.mu.Unlock()
			metrics.GetOrCreateCounter(`dframe_cluster_views_installed_total`).Inc()
			m.updateStates()
			select {
			case m.changes <- [2]*View{prev, v}:
			case <-m.stop:
			}
			return
		}
	}
}
