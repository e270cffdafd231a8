package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var perfTestCmd = &cobra.Command{
	Use:   "perf",
	Short: "Measure the DKV paths of a running cluster",
	Long: util.WrapString("Runs each benchmark for --duration with --threads concurrent callers against the " +
		"connected node. get-cached is served from the node's cache for keys homed elsewhere, get-remote " +
		"forces a fetch from the home, put-async waits for batches of futures and put-chunks writes " +
		"chunk keys that are homed in runs."),
	RunE:    runPerf,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return viper.BindPFlags(cmd.Flags()) },
}

func init() {
	perfTestCmd.Flags().Int("threads", 10, util.WrapString("Concurrent callers per benchmark"))
	perfTestCmd.Flags().Duration("duration", 3*time.Second, util.WrapString("Run time of each benchmark"))
	perfTestCmd.Flags().Int("keys", 100, util.WrapString("Distinct keys per benchmark"))
	perfTestCmd.Flags().Int("value-size", 64, util.WrapString("Payload size in bytes"))
	perfTestCmd.Flags().Int("batch", 32, util.WrapString("Writes awaited together by put-async"))
	perfTestCmd.Flags().String("only", "", util.WrapString("Benchmarks to run (comma separated, default all)"))
	perfTestCmd.Flags().String("csv", "", util.WrapString("Optional path to save the results as CSV"))
}

type perfParams struct {
	threads  int
	duration time.Duration
	keys     int
	payload  []byte
	batch    int
}

// perfBench is one measured DKV path. op performs n operations and returns n.
type perfBench struct {
	name    string
	prefill bool
	chunks  bool
	op      func(ctx context.Context, key func(i int) store.Key, i int) (int, error)
}

type perfResult struct {
	name     string
	ops      int64
	errors   int64
	elapsed  time.Duration
	mean     time.Duration
	p50, p99 time.Duration
}

func (r perfResult) rate() float64 { return float64(r.ops) / r.elapsed.Seconds() }

func perfBenchmarks(p perfParams) []perfBench {
	put := func(ctx context.Context, key func(int) store.Key, i int) (int, error) {
		return 1, rpcStore.Put(ctx, key(i), p.payload)
	}
	return []perfBench{
		{name: "put", op: put},
		{name: "put-chunks", chunks: true, op: put},
		{name: "put-async", op: func(ctx context.Context, key func(int) store.Key, i int) (int, error) {
			var fs store.Futures
			for j := 0; j < p.batch; j++ {
				fs.Add(rpcStore.PutAsync(ctx, key(i+j), p.payload))
			}
			return p.batch, fs.Wait(ctx)
		}},
		{name: "get-cached", prefill: true, op: func(ctx context.Context, key func(int) store.Key, i int) (int, error) {
			_, _, err := rpcStore.Get(ctx, key(i))
			return 1, err
		}},
		{name: "get-remote", prefill: true, op: func(ctx context.Context, key func(int) store.Key, i int) (int, error) {
			_, _, err := rpcStore.Get(store.FreshRead(ctx), key(i))
			return 1, err
		}},
		{name: "cas", prefill: true, op: func(ctx context.Context, key func(int) store.Key, i int) (int, error) {
			v, _, err := rpcStore.Get(store.FreshRead(ctx), key(i))
			if err != nil {
				return 1, err
			}
			// losing against another caller is not an error
			_, _, err = rpcStore.CompareAndPut(ctx, key(i), p.payload, v.Stamp)
			return 1, err
		}},
	}
}

func runPerf(cmd *cobra.Command, _ []string) error {
	p := perfParams{
		threads:  max(1, viper.GetInt("threads")),
		duration: viper.GetDuration("duration"),
		keys:     max(1, viper.GetInt("keys")),
		payload:  make([]byte, max(0, viper.GetInt("value-size"))),
		batch:    max(1, viper.GetInt("batch")),
	}
	var only []string
	if s := viper.GetString("only"); s != "" {
		only = strings.Split(s, ",")
	}

	config := util.GetClientConfig()
	fmt.Println(config.String())
	fmt.Printf("threads=%d duration=%s keys=%d value-size=%dB batch=%d\n\n", p.threads, p.duration, p.keys, len(p.payload), p.batch)

	var results []perfResult
	for _, bm := range perfBenchmarks(p) {
		if len(only) > 0 && !slices.Contains(only, bm.name) {
			continue
		}
		res, err := measure(cmd.Context(), bm, p)
		if err != nil {
			return fmt.Errorf("%s: %w", bm.name, err)
		}
		fmt.Printf("%-12s %10.0f ops/sec  mean %-10s p50 %-10s p99 %-10s errors %d\n",
			res.name, res.rate(), res.mean, res.p50, res.p99, res.errors)
		results = append(results, res)
	}

	if path := viper.GetString("csv"); path != "" {
		if err := writePerfCSV(path, results, p, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %w", err)
		}
		fmt.Printf("\nresults written to %s\n", path)
	}
	return nil
}

// measure runs bm with p.threads callers for p.duration. Keys are prefilled and removed
// afterwards.
func measure(ctx context.Context, bm perfBench, p perfParams) (perfResult, error) {
	keys := make([]store.Key, p.keys)
	for i := range keys {
		if bm.chunks {
			keys[i] = store.ChunkKey(store.VecKey("__perf/"+bm.name), i)
		} else {
			keys[i] = store.DataKey(fmt.Sprintf("__perf/%s/%d", bm.name, i))
		}
	}
	key := func(i int) store.Key { return keys[i%len(keys)] }

	if bm.prefill {
		var fs store.Futures
		for _, k := range keys {
			fs.Add(rpcStore.PutAsync(ctx, k, p.payload))
		}
		if err := fs.Wait(ctx); err != nil {
			return perfResult{}, fmt.Errorf("prefill: %w", err)
		}
	}
	defer func() {
		for _, k := range keys {
			_ = rpcStore.Remove(context.WithoutCancel(ctx), k)
		}
	}()

	timer := gometrics.NewTimer()
	defer timer.Stop()
	var ops, failed atomic.Int64

	runCtx, cancel := context.WithTimeout(ctx, p.duration)
	defer cancel()
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for t := 0; t < p.threads; t++ {
		g.Go(func() error {
			for i := t * p.keys / p.threads; gctx.Err() == nil; {
				begin := time.Now()
				n, err := bm.op(gctx, key, i)
				if err != nil && gctx.Err() == nil {
					failed.Add(1)
				}
				timer.UpdateSince(begin)
				ops.Add(int64(n))
				i += n
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)
	if err := ctx.Err(); err != nil {
		return perfResult{}, err
	}

	ps := timer.Percentiles([]float64{0.5, 0.99})
	return perfResult{
		name:    bm.name,
		ops:     ops.Load(),
		errors:  failed.Load(),
		elapsed: elapsed,
		mean:    time.Duration(timer.Mean()),
		p50:     time.Duration(ps[0]),
		p99:     time.Duration(ps[1]),
	}, nil
}

func writePerfCSV(path string, results []perfResult, p perfParams, config common.ClientConfig) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	rows := [][]string{{"Benchmark", "Ops", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "Errors",
		"Endpoints", "Serializer", "Transport", "Threads", "Keys", "ValueSize", "Batch"}}
	for _, r := range results {
		rows = append(rows, []string{
			r.name,
			strconv.FormatInt(r.ops, 10),
			strconv.FormatFloat(r.rate(), 'f', 0, 64),
			strconv.FormatInt(int64(r.mean), 10),
			strconv.FormatInt(int64(r.p50), 10),
			strconv.FormatInt(int64(r.p99), 10),
			strconv.FormatInt(r.errors, 10),
			strings.Join(config.Endpoints, ";"),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(p.threads),
			strconv.Itoa(p.keys),
			strconv.Itoa(len(p.payload)),
			strconv.Itoa(p.batch),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}
