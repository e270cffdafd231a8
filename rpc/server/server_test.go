package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/errs"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/task"
	"github.com/ValentinKolb/dFrame/rpc/client"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/serializer"
	"github.com/ValentinKolb/dFrame/rpc/transport"
	"github.com/ValentinKolb/dFrame/rpc/transport/mem"
	"github.com/ValentinKolb/dFrame/rpc/transport/tcp"
	"github.com/stretchr/testify/require"
)

func memConfig(name string, seeds ...string) common.ServerConfig {
	return common.ServerConfig{
		Name:          name,
		Endpoint:      mem.Scheme + name,
		Seeds:         seeds,
		Transport:     "mem",
		TimeoutSecond: 2,
		Retries:       1,
		HeartbeatMs:   20,
		SuspectAfter:  3,
		RemoveAfter:   8,
		Workers:       2,
		SnapshotURI:   "mem:///snapshots",
		LogLevel:      "warn",
	}
}

// startServer runs a node until the test ends.
func startServer(t *testing.T, config common.ServerConfig, st transport.IRPCServerTransport, factory transport.ClientFactory, s serializer.IRPCSerializer) *RPCServer {
	t.Helper()
	srv, err := NewRPCServer(config, st, factory, s)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// startMemCluster starts n nodes named prefix0..prefixN-1 and waits until they agreed on a view.
func startMemCluster(t *testing.T, prefix string, n int) []*RPCServer {
	t.Helper()
	servers := make([]*RPCServer, n)
	for i := range servers {
		var seeds []string
		if i > 0 {
			seeds = []string{mem.Scheme + prefix + "0"}
		}
		servers[i] = startServer(t, memConfig(fmt.Sprintf("%s%d", prefix, i), seeds...),
			mem.NewMemServerTransport(), mem.NewMemClientTransport, serializer.NewBinarySerializer())
	}
	waitConverged(t, servers, n)
	return servers
}

func waitConverged(t *testing.T, servers []*RPCServer, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range servers {
			if s.Node().Members.View().Size() != size || s.Node().Members.RequireConverged() != nil {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func clientConfig(endpoints ...string) common.ClientConfig {
	return common.ClientConfig{Endpoints: endpoints, TimeoutSecond: 2, RetryCount: 1, ConnectionsPerEndpoint: 1}
}

func TestKeyValueAcrossNodes(t *testing.T) {
	servers := startMemCluster(t, "kv", 3)
	ctx := context.Background()

	writer, err := client.NewRPCStore(clientConfig(mem.Scheme+"kv1"), mem.NewMemClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	reader, err := client.NewRPCStore(clientConfig(mem.Scheme+"kv2"), mem.NewMemClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, writer.Put(ctx, store.DataKey(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 20; i++ {
		v, ok, err := reader.Get(ctx, store.DataKey(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v.Payload))
		require.NotZero(t, v.Stamp)
	}

	// writes through one node are visible to fresh reads through another
	require.NoError(t, writer.Put(ctx, store.DataKey("k0"), []byte("changed")))
	v, ok, err := reader.Get(store.FreshRead(ctx), store.DataKey("k0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "changed", string(v.Payload))

	stamp, ok, err := reader.CompareAndPut(ctx, store.DataKey("k1"), []byte("cas"), v.Stamp)
	require.NoError(t, err)
	require.False(t, ok)
	cur, _, err := reader.Get(store.FreshRead(ctx), store.DataKey("k1"))
	require.NoError(t, err)
	stamp, ok, err = reader.CompareAndPut(ctx, store.DataKey("k1"), []byte("cas"), cur.Stamp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, stamp, cur.Stamp)

	require.NoError(t, reader.Remove(ctx, store.DataKey("k2")))
	has, err := writer.Has(store.FreshRead(ctx), store.DataKey("k2"))
	require.NoError(t, err)
	require.False(t, has)

	_, ok, err = reader.Get(ctx, store.DataKey("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, writer.PutAsync(ctx, store.DataKey("async"), []byte("later")).Wait(ctx))
	v, ok, err = servers[0].Node().Store.Get(store.FreshRead(ctx), store.DataKey("async"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "later", string(v.Payload))
}

func TestTaskRunsOnAllNodes(t *testing.T) {
	servers := startMemCluster(t, "task", 3)
	ctx := context.Background()

	vec, err := fvec.MakeVec(ctx, servers[1].Node().Store, store.VecKey("rows"), fvec.TypeInteger, fvec.UniformLayout(900, 9),
		func(nc *fvec.NewChunk, row int64) { nc.AddInt(row) })
	require.NoError(t, err)

	res, err := servers[2].Node().Engine.Submit(ctx, &task.ColumnSums{}, vec.Key)
	require.NoError(t, err)
	require.Equal(t, []float64{899 * 900 / 2}, res.(*task.Sums).Values)

	count, err := servers[0].Node().Engine.Submit(ctx, &task.RowCount{}, vec.Key)
	require.NoError(t, err)
	require.Equal(t, int64(900), count.(*task.Count).Rows)
}

func TestLocksOverRPC(t *testing.T) {
	startMemCluster(t, "lock", 2)
	ctx := context.Background()
	frame := store.FrameKey("prices")

	a, err := client.NewRPCLockMgr(clientConfig(mem.Scheme+"lock0"), mem.NewMemClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	b, err := client.NewRPCLockMgr(clientConfig(mem.Scheme+"lock1"), mem.NewMemClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)

	require.NoError(t, a.Lock(ctx, frame, "job-a", lockmgr.ModeWrite))

	err = b.TryLock(ctx, frame, "job-b", lockmgr.ModeRead)
	var lc *errs.LockConflictError
	require.ErrorAs(t, err, &lc)
	require.Equal(t, "job-a", lc.Holder)
	require.Equal(t, "job-b", lc.Requester)

	st, err := b.Status(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, "job-a", st.Writer)

	// a blocked acquire is granted once the writer released the lock
	granted := make(chan error, 1)
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		granted <- b.Lock(wctx, frame, "job-b", lockmgr.ModeRead)
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Unlock(ctx, frame, "job-a"))
	require.NoError(t, <-granted)

	st, err = a.Status(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, []lockmgr.Hold{{Job: "job-b", Depth: 1}}, st.Readers)
	require.NoError(t, b.Unlock(ctx, frame, "job-b"))
}

func TestFrameSnapshotOverRPC(t *testing.T) {
	servers := startMemCluster(t, "snap", 2)
	ctx := context.Background()
	st := servers[0].Node().Store

	x, err := fvec.MakeVec(ctx, st, store.VecKey("snap/x"), fvec.TypeNumeric, fvec.UniformLayout(100, 4),
		func(nc *fvec.NewChunk, row int64) { nc.AddNum(float64(row) / 2) })
	require.NoError(t, err)
	f, err := fvec.NewFrame(st, store.FrameKey("snap"), []string{"x"}, []*fvec.Vec{x})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx))

	fc, err := client.NewRPCFrameClient(clientConfig(mem.Scheme+"snap0"), mem.NewMemClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	defer fc.Close()

	require.NoError(t, fc.SaveFrame(ctx, f.Key, "mem:///snapshots/snap"))
	keys, err := fc.Restore(ctx, "mem:///snapshots/snap")
	require.NoError(t, err)
	require.Contains(t, keys, f.Key)
	require.Len(t, keys, 1+1+4)

	_, err = fc.Restore(ctx, "mem:///snapshots/none")
	require.Error(t, err)
}

func TestNodeFailureShrinksTheView(t *testing.T) {
	servers := startMemCluster(t, "fail", 3)
	require.NoError(t, servers[2].Close())
	waitConverged(t, servers[:2], 2)

	_, err := servers[0].Node().Peers.Heartbeat(context.Background(),
		cluster.NodeInfo{Name: "fail2", Endpoint: mem.Scheme + "fail2"}, &cluster.Heartbeat{})
	var nu *errs.NodeUnavailableError
	require.ErrorAs(t, err, &nu)
	require.Equal(t, "fail2", nu.Node)
}

func TestUnknownService(t *testing.T) {
	servers := startMemCluster(t, "svc", 1)
	s := serializer.NewBinarySerializer()
	out := servers[0].handle(99, []byte{})
	var resp common.Message
	require.NoError(t, s.Deserialize(out, &resp))
	require.Equal(t, common.MsgTError, resp.MsgType)
	require.Equal(t, errs.CodeInvalidOperation, errs.CodeOf(resp.Error()))
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestTCPNode(t *testing.T) {
	config := memConfig("tcp0")
	config.Transport = "tcp"
	config.Endpoint = freePort(t)
	srv := startServer(t, config, tcp.NewTCPServerTransport(), tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
	waitConverged(t, []*RPCServer{srv}, 1)

	var kv store.IStore
	require.Eventually(t, func() bool {
		var err error
		kv, err = client.NewRPCStore(clientConfig(config.Endpoint), tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, store.DataKey("hello"), []byte("world")))
	v, ok, err := kv.Get(ctx, store.DataKey("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", string(v.Payload))
}
