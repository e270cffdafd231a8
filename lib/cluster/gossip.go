package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
)

var gossipLog = logger.GetLogger("gossip")

// GossipConfig configures gossip based discovery.
type GossipConfig struct {
	BindAddr string   // address the gossip protocol listens on
	BindPort int      // 0 picks a free port
	Join     []string // gossip addresses of known nodes
}

// Gossip discovers peers with the SWIM gossip protocol and feeds them into a Membership.
// Gossip only finds nodes; views are still agreed by the membership's voting rounds.
type Gossip struct {
	members *Membership
	list    *memberlist.Memberlist
}

// StartGossip joins the gossip cluster and reports every node found to members.
func StartGossip(members *Membership, cfg GossipConfig) (*Gossip, error) {
	g := &Gossip{members: members}

	mlc := memberlist.DefaultLANConfig()
	mlc.Name = members.Self().Name
	if cfg.BindAddr != "" {
		mlc.BindAddr = cfg.BindAddr
	}
	mlc.BindPort = cfg.BindPort
	mlc.AdvertisePort = cfg.BindPort
	mlc.Delegate = g
	mlc.Events = g
	mlc.LogOutput = gossipWriter{}

	list, err := memberlist.Create(mlc)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip: %w", err)
	}
	g.list = list
	if len(cfg.Join) > 0 {
		n, err := list.Join(cfg.Join)
		if err != nil {
			gossipLog.Warningf("joined %d of %d gossip peers: %v", n, len(cfg.Join), err)
		}
	}
	gossipLog.Infof("gossip listening on %s", list.LocalNode().Address())
	return g, nil
}

// Addr returns the gossip address of the local node.
func (g *Gossip) Addr() string { return g.list.LocalNode().Address() }

// NumMembers returns the number of nodes known to gossip (including the local node).
func (g *Gossip) NumMembers() int { return g.list.NumMembers() }

// Stop leaves the gossip cluster.
func (g *Gossip) Stop() error {
	if err := g.list.Leave(g.members.cfg.HeartbeatInterval); err != nil {
		gossipLog.Warningf("gossip leave: %v", err)
	}
	return g.list.Shutdown()
}

// --------------------------------------------------------------------------
// memberlist.EventDelegate
// --------------------------------------------------------------------------

func (g *Gossip) NotifyJoin(node *memberlist.Node) {
	metrics.GetOrCreateCounter(`dframe_gossip_events_total{type="join"}`).Inc()
	info, ok := decodeMeta(node)
	if !ok {
		return
	}
	g.members.Discover(info)
}

func (g *Gossip) NotifyLeave(node *memberlist.Node) {
	metrics.GetOrCreateCounter(`dframe_gossip_events_total{type="leave"}`).Inc()
	gossipLog.Infof("node %s left the gossip cluster", node.Name)
	g.members.MarkFailed(node.Name)
}

func (g *Gossip) NotifyUpdate(node *memberlist.Node) {
	metrics.GetOrCreateCounter(`dframe_gossip_events_total{type="update"}`).Inc()
	if info, ok := decodeMeta(node); ok {
		g.members.Discover(info)
	}
}

func decodeMeta(node *memberlist.Node) (NodeInfo, bool) {
	if len(node.Meta) == 0 {
		return NodeInfo{}, false
	}
	var info NodeInfo
	if err := json.Unmarshal(node.Meta, &info); err != nil {
		gossipLog.Errorf("failed to decode node meta from %s: %v", node.Name, err)
		return NodeInfo{}, false
	}
	return info, true
}

// --------------------------------------------------------------------------
// memberlist.Delegate
// --------------------------------------------------------------------------

// NodeMeta announces the rpc endpoint of the local node.
func (g *Gossip) NodeMeta(limit int) []byte {
	meta, err := json.Marshal(g.members.Self())
	if err != nil || len(meta) > limit {
		gossipLog.Errorf("node meta does not fit into %d bytes", limit)
		return nil
	}
	return meta
}

// NotifyMsg is unused, all messages go through the rpc transport.
func (g *Gossip) NotifyMsg([]byte) {}

func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState shares the peers this node knows about during push/pull syncs.
func (g *Gossip) LocalState(join bool) []byte {
	peers := g.members.Peers()
	infos := make([]NodeInfo, 0, len(peers)+1)
	infos = append(infos, g.members.Self())
	for _, p := range peers {
		if p.State != NodeFailed && p.State != NodeLeaving {
			infos = append(infos, p.Info)
		}
	}
	state, err := json.Marshal(infos)
	if err != nil {
		gossipLog.Errorf("failed to encode local state: %v", err)
		return nil
	}
	return state
}

func (g *Gossip) MergeRemoteState(buf []byte, join bool) {
	var infos []NodeInfo
	if err := json.Unmarshal(buf, &infos); err != nil {
		gossipLog.Errorf("unable to decode remote state: %v", err)
		return
	}
	for _, info := range infos {
		g.members.Discover(info)
	}
}

// gossipWriter forwards memberlist's log output to the gossip logger.
type gossipWriter struct{}

var _ io.Writer = gossipWriter{}

func (gossipWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(line, "[ERR]"):
		gossipLog.Errorf("%s", line)
	case strings.Contains(line, "[WARN]"):
		gossipLog.Warningf("%s", line)
	default:
		gossipLog.Debugf("%s", line)
	}
	return len(p), nil
}
