package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// View
// --------------------------------------------------------------------------

func TestViewOrderAndLookup(t *testing.T) {
	v := NewView(3, []NodeInfo{{Name: "c"}, {Name: "a"}, {Name: "b"}})
	require.Equal(t, []string{"a", "b", "c"}, v.Names())
	require.Equal(t, 3, v.Size())
	require.Equal(t, 1, v.IndexOf("b"))
	require.Equal(t, -1, v.IndexOf("d"))
	require.True(t, v.Contains("c"))

	var none *View
	require.Equal(t, 0, none.Size())
	require.Equal(t, -1, none.IndexOf("a"))
	require.Equal(t, "View{<none>}", none.String())

	same := NewView(4, []NodeInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	require.True(t, v.SameMembers(same))
	require.False(t, v.SameMembers(NewView(3, []NodeInfo{{Name: "a"}})))
}

func TestViewWireRoundTrip(t *testing.T) {
	v := NewView(7, []NodeInfo{{Name: "n1", Endpoint: "10.0.0.1:7000", Started: 42}, {Name: "n0", Endpoint: "10.0.0.2:7000"}})
	data, err := codec.Marshal(v)
	require.NoError(t, err)
	var got View
	require.NoError(t, codec.Unmarshal(data, &got))
	require.Equal(t, *v, got)
}

func TestNodeStateJSON(t *testing.T) {
	data, err := NodeSuspect.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"Suspect"`, string(data))
	var s NodeState
	require.NoError(t, s.UnmarshalJSON(data))
	require.Equal(t, NodeSuspect, s)
	require.Error(t, s.UnmarshalJSON([]byte(`"Sleeping"`)))
}

// --------------------------------------------------------------------------
// In-process network
// --------------------------------------------------------------------------

type testNet struct {
	mu    sync.Mutex
	nodes map[string]*Membership // by endpoint
	down  map[string]bool
}

func newTestNet() *testNet {
	return &testNet{nodes: map[string]*Membership{}, down: map[string]bool{}}
}

func (n *testNet) get(to NodeInfo) (*Membership, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.nodes[to.Endpoint]
	if !ok || n.down[to.Endpoint] {
		return nil, &errs.NodeUnavailableError{Node: to.Name, Cause: errors.New("unreachable")}
	}
	return m, nil
}

func (n *testNet) Heartbeat(_ context.Context, to NodeInfo, hb *Heartbeat) (*Heartbeat, error) {
	m, err := n.get(to)
	if err != nil {
		return nil, err
	}
	if _, err := n.get(hb.From); err != nil {
		return nil, err
	}
	return m.HandleHeartbeat(hb)
}

func (n *testNet) Propose(_ context.Context, to NodeInfo, p *Proposal) (*Ack, error) {
	m, err := n.get(to)
	if err != nil {
		return nil, err
	}
	return m.HandlePropose(p), nil
}

func (n *testNet) Commit(_ context.Context, to NodeInfo, c *Commit) error {
	m, err := n.get(to)
	if err != nil {
		return err
	}
	m.HandleCommit(c)
	return nil
}

func (n *testNet) add(name string, seeds ...string) *Membership {
	m := NewMembership(Config{
		Self:              NodeInfo{Name: name, Endpoint: "mem://" + name, Started: 1},
		Seeds:             seeds,
		HeartbeatInterval: 10 * time.Millisecond,
		SuspectAfter:      3,
		RemoveAfter:       8,
		VoteTimeout:       200 * time.Millisecond,
		Fingerprint:       0xF00D,
	}, n, nil)
	n.mu.Lock()
	n.nodes[m.Self().Endpoint] = m
	n.mu.Unlock()
	return m
}

func (n *testNet) setDown(m *Membership) {
	n.mu.Lock()
	n.down[m.Self().Endpoint] = true
	n.mu.Unlock()
}

func viewNames(m *Membership) []string {
	return m.View().Names()
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

func TestSeedStartsSingleNodeCluster(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	a.Start()
	defer a.Stop()

	require.Equal(t, uint64(1), a.View().Version)
	require.Equal(t, []string{"a"}, viewNames(a))
	require.NoError(t, a.RequireConverged())
}

func TestJoinConvergesOnAllNodes(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	b := net.add("b", "mem://a")
	c := net.add("c", "mem://a")

	var mu sync.Mutex
	installed := map[string][]uint64{}
	for _, m := range []*Membership{a, b, c} {
		name := m.Self().Name
		m.OnViewChange(func(prev, next *View) {
			mu.Lock()
			installed[name] = append(installed[name], next.Version)
			mu.Unlock()
		})
		m.Start()
		defer m.Stop()
	}

	require.Eventually(t, func() bool {
		for _, m := range []*Membership{a, b, c} {
			if m.RequireConverged() != nil || m.View().Size() != 3 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, a.View().Version, b.View().Version)
	require.Equal(t, a.View().Version, c.View().Version)
	require.Equal(t, []string{"a", "b", "c"}, viewNames(b))

	// listeners saw strictly increasing versions
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, versions := range installed {
			for i := 1; i < len(versions); i++ {
				if versions[i] <= versions[i-1] {
					return false
				}
			}
		}
		return len(installed) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestFailedNodeIsRemoved(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	b := net.add("b", "mem://a")
	c := net.add("c", "mem://a")
	for _, m := range []*Membership{a, b, c} {
		m.Start()
		defer m.Stop()
	}
	require.Eventually(t, func() bool {
		return a.View().Size() == 3 && b.View().Size() == 3 && c.View().Size() == 3
	}, 5*time.Second, 10*time.Millisecond)

	// the coordinator fails
	net.setDown(a)
	a.Stop()
	require.Eventually(t, func() bool {
		return b.RequireConverged() == nil && b.View().Size() == 2 &&
			c.RequireConverged() == nil && c.View().Size() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b", "c"}, viewNames(c))
	require.False(t, b.IsAlive("a"))
}

func TestGracefulLeave(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	b := net.add("b", "mem://a")
	a.Start()
	defer a.Stop()
	b.Start()
	require.Eventually(t, func() bool { return a.View().Size() == 2 }, 5*time.Second, 10*time.Millisecond)

	b.Leave(context.Background())
	require.Eventually(t, func() bool {
		return a.View().Size() == 1 && a.RequireConverged() == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFingerprintMismatchIsRefused(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	_, err := a.HandleHeartbeat(&Heartbeat{From: NodeInfo{Name: "x", Endpoint: "mem://x"}, Fingerprint: 1})
	var inv *errs.InvalidOperationError
	require.ErrorAs(t, err, &inv)
	require.Empty(t, a.Peers())
}

func TestHandlePropose(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	a.install(NewView(3, []NodeInfo{a.Self()}))
	other := NodeInfo{Name: "b", Endpoint: "mem://b"}

	tests := []struct {
		name string
		p    Proposal
		ok   bool
	}{
		{"stale version", Proposal{Round: 1, Proposer: "b", View: *NewView(3, []NodeInfo{a.Self(), other})}, false},
		{"without the node", Proposal{Round: 1, Proposer: "b", View: *NewView(4, []NodeInfo{other})}, false},
		{"newer view", Proposal{Round: 5, Proposer: "b", View: *NewView(4, []NodeInfo{a.Self(), other})}, true},
		{"older round for same version", Proposal{Round: 4, Proposer: "c", View: *NewView(4, []NodeInfo{a.Self()})}, false},
		{"higher round takes over", Proposal{Round: 6, Proposer: "c", View: *NewView(4, []NodeInfo{a.Self()})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := a.HandlePropose(&tt.p)
			require.Equal(t, tt.ok, ack.Ok, ack.Reason)
		})
	}
	// an acknowledged but uncommitted proposal blocks convergence
	require.Error(t, a.RequireConverged())
}

func TestVoteFailsWithoutAllAcks(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	b := net.add("b")
	a.install(NewView(1, []NodeInfo{a.Self()}))
	net.setDown(b)

	err := a.Vote(1, NewView(2, []NodeInfo{a.Self(), b.Self()}))
	var nc *errs.MembershipNotConvergedError
	require.ErrorAs(t, err, &nc)
	require.Equal(t, uint64(1), a.View().Version)
}

func TestReproposeAfterProposerFailure(t *testing.T) {
	net := newTestNet()
	a := net.add("a")
	b := net.add("b")
	c := net.add("c")
	v1 := NewView(1, []NodeInfo{a.Self(), b.Self(), c.Self()})
	for _, m := range []*Membership{a, b, c} {
		m.install(v1)
	}

	// a proposes, b and c acknowledge, then a dies before committing
	p := &Proposal{Round: 5, Proposer: "a", View: *NewView(2, []NodeInfo{a.Self(), b.Self(), c.Self()})}
	require.True(t, b.HandlePropose(p).Ok)
	require.True(t, c.HandlePropose(p).Ok)
	net.setDown(a)

	// b re-proposes without a in a fresh round
	require.NoError(t, b.Vote(6, NewView(2, []NodeInfo{b.Self(), c.Self()})))
	require.Equal(t, []string{"b", "c"}, viewNames(b))
	require.Equal(t, []string{"b", "c"}, viewNames(c))
	require.Equal(t, uint64(2), c.View().Version)
}

func TestLoadMeter(t *testing.T) {
	l := NewLoadMeter(4)
	defer l.Stop()
	l.TaskStarted()
	l.TaskStarted()
	l.TaskDone()
	l.MarkMap(10)
	l.MarkRPC()
	s := l.Sample()
	require.Equal(t, int32(4), s.Workers)
	require.Equal(t, int64(1), s.Inflight)
	require.Positive(t, s.Goroutines)

	hb := &Heartbeat{From: NodeInfo{Name: "n"}, Version: 3, Fingerprint: 9, Load: s}
	data, err := codec.Marshal(hb)
	require.NoError(t, err)
	var got Heartbeat
	require.NoError(t, codec.Unmarshal(data, &got))
	require.Equal(t, *hb, got)
}
