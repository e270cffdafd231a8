package dstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/db/engines/maple"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// In-process cluster
// --------------------------------------------------------------------------

type testMembers struct {
	self cluster.NodeInfo
	mu   sync.Mutex
	view *cluster.View
	fns  []func(prev, next *cluster.View)
}

func (m *testMembers) Self() cluster.NodeInfo { return m.self }

func (m *testMembers) View() *cluster.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

func (m *testMembers) OnViewChange(fn func(prev, next *cluster.View)) {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.mu.Unlock()
}

func (m *testMembers) install(v *cluster.View) {
	m.mu.Lock()
	prev := m.view
	m.view = v
	fns := append([]func(prev, next *cluster.View){}, m.fns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(prev, v)
	}
}

type testNet struct {
	mu      sync.Mutex
	stores  map[string]*Store
	members map[string]*testMembers
	down    map[string]bool
}

type testRemote struct {
	net  *testNet
	self string
}

func (r *testRemote) target(node cluster.NodeInfo) (*Store, error) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	s, ok := r.net.stores[node.Name]
	if !ok || r.net.down[node.Name] {
		return nil, &errs.NodeUnavailableError{Node: node.Name, Cause: errors.New("connection refused")}
	}
	return s, nil
}

func (r *testRemote) Fetch(_ context.Context, node cluster.NodeInfo, key store.Key) (store.Value, bool, error) {
	s, err := r.target(node)
	if err != nil {
		return store.Value{}, false, err
	}
	v, ok := s.HandleFetch(r.self, key)
	return v, ok, nil
}

func (r *testRemote) Apply(_ context.Context, node cluster.NodeInfo, cmd *Command) (Result, error) {
	s, err := r.target(node)
	if err != nil {
		return Result{}, err
	}
	// commands cross the wire encoded
	data, err := codec.Marshal(cmd)
	if err != nil {
		return Result{}, err
	}
	var decoded Command
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return Result{}, err
	}
	return s.Apply(&decoded)
}

func newTestNet(t *testing.T, names ...string) (*testNet, *cluster.View) {
	t.Helper()
	net := &testNet{stores: map[string]*Store{}, members: map[string]*testMembers{}, down: map[string]bool{}}
	var infos []cluster.NodeInfo
	for _, name := range names {
		infos = append(infos, net.add(t, name))
	}
	v := cluster.NewView(1, infos)
	for _, m := range net.members {
		m.install(v)
	}
	return net, v
}

func (net *testNet) add(t *testing.T, name string) cluster.NodeInfo {
	t.Helper()
	info := cluster.NodeInfo{Name: name, Endpoint: "mem://" + name}
	m := &testMembers{self: info}
	s, err := NewDistributedStore(m, &testRemote{net: net, self: name},
		func() db.KVDB { return maple.NewMapleDB(nil) },
		Config{Retries: 2, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	net.mu.Lock()
	net.stores[name] = s
	net.members[name] = m
	net.mu.Unlock()
	return info
}

func (net *testNet) setDown(name string, down bool) {
	net.mu.Lock()
	net.down[name] = down
	net.mu.Unlock()
}

// nodes returns the home of key and the remaining nodes of v.
func nodes(key store.Key, v *cluster.View) (home string, others []string) {
	h, _ := store.Home(key, v)
	for _, m := range v.Members {
		if m.Name != h.Name {
			others = append(others, m.Name)
		}
	}
	return h.Name, others
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestPutGetAcrossNodes(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := store.DataKey(fmt.Sprintf("key-%d", i))
		_, others := nodes(key, v)
		writer := net.stores[others[0]]
		require.NoError(t, writer.Put(ctx, key, []byte(fmt.Sprintf("value-%d", i))))

		for name, s := range net.stores {
			val, ok, err := s.Get(ctx, key)
			require.NoError(t, err, name)
			require.True(t, ok, name)
			require.Equal(t, fmt.Sprintf("value-%d", i), string(val.Payload), name)
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	net, _ := newTestNet(t, "a", "b")
	for _, s := range net.stores {
		_, ok, err := s.Get(context.Background(), store.DataKey("missing"))
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestInvalidateOnWrite(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	key := store.DataKey("shared")
	_, others := nodes(key, v)
	reader, writer := net.stores[others[0]], net.stores[others[1]]

	require.NoError(t, writer.Put(ctx, key, []byte("v1")))
	val, ok, err := reader.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(val.Payload))

	// the reader now holds a cached copy that must be invalidated by the next write
	require.NoError(t, writer.Put(ctx, key, []byte("v2")))
	require.Eventually(t, func() bool {
		val, _, err := reader.Get(ctx, key)
		return err == nil && string(val.Payload) == "v2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReadYourOwnWrites(t *testing.T) {
	net, v := newTestNet(t, "a", "b")
	ctx := context.Background()
	key := store.DataKey("ryow")
	_, others := nodes(key, v)
	writer := net.stores[others[0]]

	f := writer.PutAsync(ctx, key, []byte("mine"))
	val, ok, err := writer.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "mine", string(val.Payload))
	require.NoError(t, f.Wait(ctx))
}

func TestFuturesWaitForAllWrites(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	writer := net.stores["a"]

	var fs store.Futures
	for i := 0; i < 50; i++ {
		fs.Add(writer.PutAsync(ctx, store.DataKey(fmt.Sprintf("async-%d", i)), []byte{byte(i)}))
	}
	require.NoError(t, fs.Wait(ctx))

	for i := 0; i < 50; i++ {
		key := store.DataKey(fmt.Sprintf("async-%d", i))
		home, _ := nodes(key, v)
		val, ok, err := net.stores[home].Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, val.Payload)
	}
}

func TestRemove(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	key := store.DataKey("gone")
	_, others := nodes(key, v)

	require.NoError(t, net.stores[others[0]].Put(ctx, key, []byte("x"), store.WithReplication(2)))
	_, _, err := net.stores[others[1]].Get(ctx, key) // cache it
	require.NoError(t, err)

	require.NoError(t, net.stores[others[0]].Remove(ctx, key))
	require.Eventually(t, func() bool {
		for _, s := range net.stores {
			if ok, err := s.Has(ctx, key); err != nil || ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// removing a missing key is not an error
	require.NoError(t, net.stores[others[1]].Remove(ctx, store.DataKey("never-written")))
}

func TestCompareAndPut(t *testing.T) {
	net, v := newTestNet(t, "a", "b")
	ctx := context.Background()
	key := store.DataKey("cas")
	_, others := nodes(key, v)
	s := net.stores[others[0]]

	stamp, ok, err := s.CompareAndPut(ctx, key, []byte("first"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.CompareAndPut(ctx, key, []byte("lost"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	next, ok, err := s.CompareAndPut(ctx, key, []byte("second"), stamp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, next, stamp)

	val, _, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "second", string(val.Payload))
}

func TestStaleWriteRejectedAtHome(t *testing.T) {
	net, v := newTestNet(t, "a", "b")
	key := store.DataKey("lww")
	home, _ := nodes(key, v)
	s := net.stores[home]

	res, err := s.Apply(&Command{Type: CommandTPut, Key: key, Value: store.Value{Payload: []byte("new"), Stamp: 200}})
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = s.Apply(&Command{Type: CommandTPut, Key: key, Value: store.Value{Payload: []byte("old"), Stamp: 100}})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, uint64(200), res.Stamp)

	val, _, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "new", string(val.Payload))
}

func TestLosingRemoteWriteIsNotServed(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	key := store.DataKey("contended")
	home, others := nodes(key, v)
	writer := net.stores[others[0]]

	// a write from a node whose clock is far ahead
	ahead := uint64(time.Now().Add(time.Hour).UnixNano())
	res, err := net.stores[home].Apply(&Command{Type: CommandTPut, Key: key, Value: store.Value{Payload: []byte("winner"), Stamp: ahead}, From: others[1]})
	require.NoError(t, err)
	require.True(t, res.Applied)

	// the writer's clock is behind, its put loses at the home
	require.NoError(t, writer.Put(ctx, key, []byte("loser")))
	val, ok, err := writer.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "winner", string(val.Payload))

	// later writes still reach the writer
	require.NoError(t, net.stores[home].Put(ctx, key, []byte("final")))
	require.Eventually(t, func() bool {
		val, _, err := writer.Get(ctx, key)
		return err == nil && string(val.Payload) == "final"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHomeUnavailable(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	key := store.DataKey("unreachable")
	home, others := nodes(key, v)
	net.setDown(home, true)

	_, _, err := net.stores[others[0]].Get(ctx, key)
	var nu *errs.NodeUnavailableError
	require.ErrorAs(t, err, &nu)
	require.Equal(t, home, nu.Node)

	err = net.stores[others[0]].Put(ctx, key, []byte("x"))
	require.ErrorAs(t, err, &nu)

	// the failed write is not visible to the writer
	net.setDown(home, false)
	_, ok, err := net.stores[others[0]].Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplicaServesReadsWhenHomeIsDown(t *testing.T) {
	net, v := newTestNet(t, "a", "b", "c")
	ctx := context.Background()
	key := store.DataKey("replicated")
	home, _ := nodes(key, v)
	replica := store.Replicas(key, v, 2)[0].Name

	require.NoError(t, net.stores[home].Put(ctx, key, []byte("safe"), store.WithReplication(2)))
	require.Contains(t, net.stores[replica].LocalKeys(store.KindData), key)

	net.setDown(home, true)
	val, ok, err := net.stores[replica].Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "safe", string(val.Payload))
	require.False(t, val.Flags.Has(db.FlagReplica))
}

func TestNotConverged(t *testing.T) {
	net := &testNet{stores: map[string]*Store{}, members: map[string]*testMembers{}, down: map[string]bool{}}
	net.add(t, "lonely")
	s := net.stores["lonely"]

	_, _, err := s.Get(context.Background(), store.DataKey("k"))
	var nc *errs.MembershipNotConvergedError
	require.ErrorAs(t, err, &nc)
	require.ErrorAs(t, s.Put(context.Background(), store.DataKey("k"), nil), &nc)
}

func TestRehomeOnViewChange(t *testing.T) {
	net, v1 := newTestNet(t, "a", "b")
	ctx := context.Background()

	var keys []store.Key
	for i := 0; i < 64; i++ {
		keys = append(keys, store.DataKey(fmt.Sprintf("rehome-%d", i)))
	}
	for i := 0; i < 16; i++ {
		keys = append(keys, store.ChunkKey(store.VecKey("col"), i))
	}
	for i, key := range keys {
		require.NoError(t, net.stores["a"].Put(ctx, key, []byte(fmt.Sprint(i))))
	}

	info := net.add(t, "c")
	v2 := cluster.NewView(v1.Version+1, append(append([]cluster.NodeInfo{}, v1.Members...), info))
	for _, name := range []string{"c", "a", "b"} {
		net.members[name].install(v2)
	}

	moved := 0
	for i, key := range keys {
		home, _ := nodes(key, v2)
		if home == "c" {
			moved++
			require.Contains(t, net.stores["c"].LocalKeys(key.Kind), key)
		}
		for name, s := range net.stores {
			val, ok, err := s.Get(ctx, key)
			require.NoError(t, err, name)
			require.True(t, ok, "%s on %s", key, name)
			require.Equal(t, fmt.Sprint(i), string(val.Payload))
		}
	}
	require.Positive(t, moved)

	// the old home no longer answers for moved keys with stale data
	for _, key := range keys {
		home, _ := nodes(key, v2)
		if home != "c" {
			continue
		}
		require.NoError(t, net.stores["b"].Put(ctx, key, []byte("updated")))
		require.Eventually(t, func() bool {
			val, ok, err := net.stores["a"].Get(ctx, key)
			return err == nil && ok && string(val.Payload) == "updated"
		}, 2*time.Second, 5*time.Millisecond)
		break
	}
}

func TestSaveLoadLocal(t *testing.T) {
	net, v := newTestNet(t, "a")
	ctx := context.Background()
	s := net.stores["a"]
	require.Equal(t, 1, v.Size())
	require.NoError(t, s.Put(ctx, store.DataKey("persist"), []byte("me")))

	var buf bytes.Buffer
	require.NoError(t, s.SaveLocal(&buf))

	other := &testNet{stores: map[string]*Store{}, members: map[string]*testMembers{}, down: map[string]bool{}}
	info := other.add(t, "a")
	other.members["a"].install(cluster.NewView(1, []cluster.NodeInfo{info}))
	require.NoError(t, other.stores["a"].LoadLocal(&buf))

	val, ok, err := other.stores["a"].Get(ctx, store.DataKey("persist"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "me", string(val.Payload))
}
