package cluster

import (
	"runtime"

	gometrics "github.com/rcrowley/go-metrics"
)

// LoadMeter measures the load of the local node for heartbeats.
type LoadMeter struct {
	registry gometrics.Registry
	maps     gometrics.Meter
	rpcs     gometrics.Meter
	inflight gometrics.Counter
	workers  int
}

// NewLoadMeter creates a meter for a node running the given number of task workers.
func NewLoadMeter(workers int) *LoadMeter {
	reg := gometrics.NewRegistry()
	return &LoadMeter{
		registry: reg,
		maps:     gometrics.GetOrRegisterMeter("task.map_calls", reg),
		rpcs:     gometrics.GetOrRegisterMeter("rpc.requests", reg),
		inflight: gometrics.GetOrRegisterCounter("task.inflight", reg),
		workers:  workers,
	}
}

// MarkMap records n executed map calls.
func (l *LoadMeter) MarkMap(n int) { l.maps.Mark(int64(n)) }

// MarkRPC records a handled rpc.
func (l *LoadMeter) MarkRPC() { l.rpcs.Mark(1) }

// TaskStarted and TaskDone track the number of running tasks.
func (l *LoadMeter) TaskStarted() { l.inflight.Inc(1) }
func (l *LoadMeter) TaskDone()    { l.inflight.Dec(1) }

// Sample returns the current load.
func (l *LoadMeter) Sample() Load {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Load{
		Workers:    int32(l.workers),
		Inflight:   l.inflight.Count(),
		MapRate:    l.maps.Rate1(),
		RPCRate:    l.rpcs.Rate1(),
		HeapBytes:  ms.HeapAlloc,
		Goroutines: int32(runtime.NumGoroutine()),
	}
}

// Stop releases the meters.
func (l *LoadMeter) Stop() {
	l.maps.Stop()
	l.rpcs.Stop()
	l.registry.UnregisterAll()
}
