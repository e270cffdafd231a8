package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/persist"
	"github.com/ValentinKolb/dFrame/lib/store/dstore"
	"github.com/ValentinKolb/dFrame/lib/task"
	"github.com/ValentinKolb/dFrame/rpc/client"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"go.uber.org/multierr"
)

// Node bundles the components of one cluster node.
type Node struct {
	Members *cluster.Membership
	Load    *cluster.LoadMeter
	Store   *dstore.Store
	Engine  *task.Engine
	Locks   lockmgr.ILockManager
	Persist *persist.Manager
	Peers   *client.PeerPool
	Gossip  *cluster.Gossip // nil without gossip discovery
}

// newNode creates the components of a node. Nothing is started yet.
func newNode(config common.ServerConfig, factory transport.ClientFactory, s serializer.IRPCSerializer) (*Node, error) {
	n := &Node{}
	n.Peers = client.NewPeerPool(config.Name, config.ToPeerClientConfig(), factory, s)
	n.Load = cluster.NewLoadMeter(config.Workers)
	n.Members = cluster.NewMembership(config.ToMembershipConfig(codec.Default.Fingerprint()), n.Peers, n.Load)

	// connections to removed nodes are not needed anymore
	n.Members.OnViewChange(func(prev, next *cluster.View) {
		if prev == nil {
			return
		}
		for _, m := range prev.Members {
			if !next.Contains(m.Name) {
				n.Peers.Forget(m.Endpoint)
			}
		}
	})

	var err error
	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }
	n.Store, err = dstore.NewDistributedStore(n.Members, n.Peers, dbFactory, config.ToStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	n.Engine = task.NewEngine(n.Members, n.Store, n.Peers, n.Load, config.ToEngineConfig())
	n.Locks = lockmgr.NewLockManager(n.Store, lockmgr.Config{})

	n.Persist = persist.NewManager()
	if config.BoltPath != "" {
		b, err := persist.OpenBoltBackend(config.BoltPath)
		if err != nil {
			n.Engine.Close()
			return nil, err
		}
		n.Persist.Register("bolt", b)
	}
	return n, nil
}

// start starts heartbeating and, if configured, gossip discovery.
func (n *Node) start(config common.ServerConfig) error {
	n.Members.Start()
	if config.GossipPort <= 0 {
		return nil
	}

	host := ""
	if h, _, err := net.SplitHostPort(config.Endpoint); err == nil {
		host = h
	}
	g, err := cluster.StartGossip(n.Members, cluster.GossipConfig{
		BindAddr: host,
		BindPort: config.GossipPort,
		Join:     config.GossipJoin,
	})
	if err != nil {
		return err
	}
	n.Gossip = g
	Logger.Infof("gossip discovery on %s", net.JoinHostPort(host, strconv.Itoa(config.GossipPort)))
	return nil
}

// stop leaves the cluster and releases all resources.
func (n *Node) stop(ctx context.Context) error {
	var result error
	if n.Gossip != nil {
		result = multierr.Append(result, n.Gossip.Stop())
	}
	n.Members.Leave(ctx)
	n.Engine.Close()
	n.Load.Stop()
	result = multierr.Append(result, n.Store.Close())
	result = multierr.Append(result, n.Persist.Close())
	result = multierr.Append(result, n.Peers.Close())
	return result
}
