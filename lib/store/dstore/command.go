package dstore

import (
	"fmt"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/store"
)

func init() {
	codec.Register("dkv.command", func() codec.Record { return &Command{} })
	codec.Register("dkv.result", func() codec.Record { return &Result{} })
}

// CommandType defines the possible write operations sent to a node.
type CommandType uint8

const (
	CommandTPut           CommandType = iota // Authoritative write at the key's home.
	CommandTRemove                           // Authoritative remove at the key's home.
	CommandTCompareAndPut                    // Conditional write at the key's home.
	CommandTInvalidate                       // Drop a cached copy (home -> cacher).
	CommandTReplicate                        // Install or remove a replica (home -> replica holder).
	CommandTHandoff                          // Transfer ownership after a view change (old home -> new home).
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTPut:
		return "Put"
	case CommandTRemove:
		return "Remove"
	case CommandTCompareAndPut:
		return "CompareAndPut"
	case CommandTInvalidate:
		return "Invalidate"
	case CommandTReplicate:
		return "Replicate"
	case CommandTHandoff:
		return "Handoff"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature returns the db feature the receiver needs to apply the command.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch ct {
	case CommandTPut, CommandTReplicate, CommandTHandoff:
		return db.FeatureSet, nil
	case CommandTRemove:
		return db.FeatureDelete, nil
	case CommandTCompareAndPut:
		return db.FeatureCompareAndSet, nil
	case CommandTInvalidate:
		return db.FeatureGet, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// Command is a single write request between nodes.
type Command struct {
	Type        CommandType
	Key         store.Key
	Value       store.Value // payload, write stamp and flags; for removes only the stamp is used
	Expect      uint64      // expected stamp for CommandTCompareAndPut
	Replication int32       // total number of copies the home keeps
	From        string      // name of the sending node
}

func (c *Command) MarshalWire(w *codec.Writer) {
	w.PutU8(uint8(c.Type))
	c.Key.MarshalWire(w)
	w.PutBytes(c.Value.Payload)
	w.PutU64(c.Value.Stamp)
	w.PutU8(uint8(c.Value.Flags))
	w.PutU64(c.Expect)
	w.PutI32(c.Replication)
	w.PutString(c.From)
}

func (c *Command) UnmarshalWire(r *codec.Reader) {
	c.Type = CommandType(r.U8())
	c.Key.UnmarshalWire(r)
	c.Value.Payload = r.Bytes()
	c.Value.Stamp = r.U64()
	c.Value.Flags = db.Flags(r.U8())
	c.Expect = r.U64()
	c.Replication = r.I32()
	c.From = r.Str()
}

// Result is the answer to a Command.
type Result struct {
	Applied bool   // false if the write was stale or the compare failed
	Stamp   uint64 // stamp of the value now stored at the receiver
}

func (res *Result) MarshalWire(w *codec.Writer) {
	w.PutBool(res.Applied)
	w.PutU64(res.Stamp)
}

func (res *Result) UnmarshalWire(r *codec.Reader) {
	res.Applied = r.Bool()
	res.Stamp = r.U64()
}
