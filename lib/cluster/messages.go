package cluster

import "github.com/ValentinKolb/dFrame/lib/codec"

func init() {
	codec.Register("cluster.heartbeat", func() codec.Record { return new(Heartbeat) })
	codec.Register("cluster.proposal", func() codec.Record { return new(Proposal) })
	codec.Register("cluster.ack", func() codec.Record { return new(Ack) })
	codec.Register("cluster.commit", func() codec.Record { return new(Commit) })
	codec.Register("cluster.view", func() codec.Record { return new(View) })
}

// --------------------------------------------------------------------------
// Heartbeat
// --------------------------------------------------------------------------

// Heartbeat is sent periodically to every known peer. The receiver answers with its own heartbeat.
type Heartbeat struct {
	From        NodeInfo
	Version     uint64 // version of the sender's locked view (0 = none)
	Fingerprint uint64 // codec registry fingerprint, nodes with different fingerprints are refused
	Leaving     bool   // the sender is shutting down gracefully
	Load        Load
}

func (h *Heartbeat) MarshalWire(w *codec.Writer) {
	h.From.MarshalWire(w)
	w.PutU64(h.Version)
	w.PutU64(h.Fingerprint)
	w.PutBool(h.Leaving)
	h.Load.MarshalWire(w)
}

func (h *Heartbeat) UnmarshalWire(r *codec.Reader) {
	h.From.UnmarshalWire(r)
	h.Version = r.U64()
	h.Fingerprint = r.U64()
	h.Leaving = r.Bool()
	h.Load.UnmarshalWire(r)
}

// Load are the resource metrics a node reports in its heartbeats.
type Load struct {
	Workers    int32   `json:"workers"`
	Inflight   int64   `json:"inflight_tasks"`
	MapRate    float64 `json:"map_rate"` // map calls per second (1 minute average)
	RPCRate    float64 `json:"rpc_rate"` // handled rpcs per second (1 minute average)
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int32   `json:"goroutines"`
}

func (l *Load) MarshalWire(w *codec.Writer) {
	w.PutI32(l.Workers)
	w.PutI64(l.Inflight)
	w.PutF64(l.MapRate)
	w.PutF64(l.RPCRate)
	w.PutU64(l.HeapBytes)
	w.PutI32(l.Goroutines)
}

func (l *Load) UnmarshalWire(r *codec.Reader) {
	l.Workers = r.I32()
	l.Inflight = r.I64()
	l.MapRate = r.F64()
	l.RPCRate = r.F64()
	l.HeapBytes = r.U64()
	l.Goroutines = r.I32()
}

// --------------------------------------------------------------------------
// Voting
// --------------------------------------------------------------------------

// Proposal asks every member of a new view to accept it.
type Proposal struct {
	Round    uint64
	Proposer string
	View     View
}

func (p *Proposal) MarshalWire(w *codec.Writer) {
	w.PutU64(p.Round)
	w.PutString(p.Proposer)
	p.View.MarshalWire(w)
}

func (p *Proposal) UnmarshalWire(r *codec.Reader) {
	p.Round = r.U64()
	p.Proposer = r.Str()
	p.View.UnmarshalWire(r)
}

// Ack is the answer to a Proposal.
type Ack struct {
	Round  uint64
	From   string
	Ok     bool
	Reason string // why the proposal was rejected
}

func (a *Ack) MarshalWire(w *codec.Writer) {
	w.PutU64(a.Round)
	w.PutString(a.From)
	w.PutBool(a.Ok)
	w.PutString(a.Reason)
}

func (a *Ack) UnmarshalWire(r *codec.Reader) {
	a.Round = r.U64()
	a.From = r.Str()
	a.Ok = r.Bool()
	a.Reason = r.Str()
}

// Commit tells the members of an accepted proposal to install its view.
type Commit struct {
	Round uint64
	View  View
}

func (c *Commit) MarshalWire(w *codec.Writer) {
	w.PutU64(c.Round)
	c.View.MarshalWire(w)
}

func (c *Commit) UnmarshalWire(r *codec.Reader) {
	c.Round = r.U64()
	c.View.UnmarshalWire(r)
}
