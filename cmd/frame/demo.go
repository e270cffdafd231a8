package frame

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/fvec"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/scope"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/lib/task"
	"github.com/ValentinKolb/dFrame/rpc/common"
	"github.com/ValentinKolb/dFrame/rpc/server"
	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	demoName     string
	demoRows     int64
	demoCols     int
	demoChunks   int
	demoSeed     uint64
	demoKeep     bool
	demoMinNodes int
	demoJoinWait time.Duration

	// demoCmd represents the demo command
	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Join the cluster, build a random frame and compute its statistics",
		Long: `Start a node in this process, join the cluster given by --seeds and build a frame of random
numeric columns spread over all nodes. The column sums, the row count and the rollup statistics
are computed by the whole cluster. The frame is removed afterwards unless --keep is set.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := util.BindCommandFlags(cmd); err != nil {
				return err
			}
			return common.InitLoggers(viper.GetString("log-level"))
		},
		RunE: runDemo,
	}
)

func init() {
	util.SetupNodeFlags(demoCmd, "127.0.0.1:7100")

	demoCmd.Flags().StringVar(&demoName, "frame", "demo", "name of the frame")
	demoCmd.Flags().Int64Var(&demoRows, "rows", 100_000, "number of rows")
	demoCmd.Flags().IntVar(&demoCols, "cols", 4, "number of numeric columns")
	demoCmd.Flags().IntVar(&demoChunks, "chunks", 16, "number of chunks per column")
	demoCmd.Flags().Uint64Var(&demoSeed, "seed", 42, "seed of the random values")
	demoCmd.Flags().BoolVar(&demoKeep, "keep", false, "keep the frame in the cluster")
	demoCmd.Flags().IntVar(&demoMinNodes, "min-nodes", 1, "wait until the cluster has at least this many nodes")
	demoCmd.Flags().DurationVar(&demoJoinWait, "join-wait", 30*time.Second, "how long to wait for the cluster to converge")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	node, closeNode, err := startNode()
	if err != nil {
		return err
	}
	defer closeNode()

	ctx := cmd.Context()
	if err := awaitCluster(ctx, node); err != nil {
		return err
	}
	fmt.Printf("cluster: %s\n", node.Members.View())

	frameKey := store.FrameKey(demoName)
	job := lockmgr.NewJobID()

	return scope.Run(ctx, node.Store, func(ctx context.Context) error {
		start := time.Now()
		err := lockmgr.With(ctx, node.Locks, frameKey, job, lockmgr.ModeWrite, func(ctx context.Context) error {
			return buildFrame(ctx, node.Store, frameKey)
		})
		if err != nil {
			return err
		}
		scope.TrackCascade(ctx, frameKey)
		if demoKeep {
			scope.Promote(ctx, frameKey)
		}
		fmt.Printf("built %s (%d rows x %d cols) in %s\n", frameKey, demoRows, demoCols, time.Since(start).Round(time.Millisecond))

		return lockmgr.With(ctx, node.Locks, frameKey, job, lockmgr.ModeRead, func(ctx context.Context) error {
			return summarize(ctx, node, frameKey)
		})
	})
}

// startNode starts a node in this process and returns it with its shutdown function
func startNode() (*server.Node, func(), error) {
	t, err := util.GetServerTransport()
	if err != nil {
		return nil, nil, err
	}
	factory, err := util.GetClientFactory()
	if err != nil {
		return nil, nil, err
	}
	s, err := util.GetSerializer()
	if err != nil {
		return nil, nil, err
	}

	serv, err := server.NewRPCServer(util.GetServerConfig(), t, factory, s)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		if err := serv.Serve(); err != nil {
			server.Logger.Errorf("node stopped: %v", err)
		}
	}()
	return serv.Node(), func() {
		if err := serv.Close(); err != nil {
			server.Logger.Warningf("shutdown: %v", err)
		}
	}, nil
}

// awaitCluster waits until the view is converged and large enough
func awaitCluster(ctx context.Context, node *server.Node) error {
	ctx, cancel := context.WithTimeout(ctx, demoJoinWait)
	defer cancel()

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 1.5}
	for {
		if node.Members.View().Size() >= demoMinNodes && node.Members.RequireConverged() == nil {
			return nil
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return fmt.Errorf("cluster did not converge to %d nodes: %w", demoMinNodes, ctx.Err())
		}
	}
}

// buildFrame publishes a frame of an integer id column and demoCols normal distributed columns
func buildFrame(ctx context.Context, st store.IStore, key store.Key) error {
	layout := fvec.UniformLayout(demoRows, demoChunks)

	id, err := fvec.MakeVec(ctx, st, store.VecKey(key.Name+"/id"), fvec.TypeInteger, layout,
		func(nc *fvec.NewChunk, row int64) { nc.AddInt(row) })
	if err != nil {
		return err
	}
	names := []string{"id"}
	vecs := []*fvec.Vec{id}

	for c := 0; c < demoCols; c++ {
		name := "x" + strconv.Itoa(c)
		// one generator per chunk keeps the values independent of the fill order
		gens := make([]*rand.Rand, layout.NChunks())
		for i := range gens {
			gens[i] = rand.New(rand.NewPCG(demoSeed+uint64(c), uint64(i)))
		}
		mean := float64(c * 10)
		v, err := fvec.MakeVec(ctx, st, store.VecKey(key.Name+"/"+name), fvec.TypeNumeric, layout,
			func(nc *fvec.NewChunk, row int64) {
				i, _ := layout.ChunkForRow(row)
				nc.AddNum(mean + gens[i].NormFloat64()*float64(c+1))
			})
		if err != nil {
			return err
		}
		names = append(names, name)
		vecs = append(vecs, v)
	}

	f, err := fvec.NewFrame(st, key, names, vecs)
	if err != nil {
		return err
	}
	return f.Publish(ctx)
}

// summarize runs the builtin tasks over the frame and prints the results
func summarize(ctx context.Context, node *server.Node, key store.Key) error {
	e := node.Engine
	start := time.Now()
	count, err := e.SubmitFrame(ctx, &task.RowCount{}, key)
	if err != nil {
		return err
	}
	sums, err := e.SubmitFrame(ctx, &task.ColumnSums{}, key)
	if err != nil {
		return err
	}
	rollups, err := e.SubmitFrame(ctx, &task.RollupStats{}, key)
	if err != nil {
		return err
	}
	took := time.Since(start)

	f, err := fvec.LoadFrame(ctx, node.Store, key)
	if err != nil {
		return err
	}

	fmt.Printf("rows: %d\n", count.(*task.Count).Rows)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "column\tsum\tmin\tmax\tmean\tsigma\tNAs\t")
	for i, name := range f.Names {
		r := rollups.(*task.Rollups).Cols[i]
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%d\t\n",
			name, sums.(*task.Sums).Values[i], r.Min, r.Max, r.Mean, r.Sigma(), r.NAs)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("computed in %s\n", took.Round(time.Millisecond))
	return nil
}
