package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dFrame/lib/cluster"
	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/cespare/xxhash/v2"
	jump "github.com/dgryski/go-jump"
)

// --------------------------------------------------------------------------
// Key
// --------------------------------------------------------------------------

// Kind tells what a key refers to. It is part of the key's string form.
type Kind uint8

const (
	KindData  Kind = iota // user data
	KindChunk             // one chunk of a Vec
	KindVec               // Vec header
	KindFrame             // Frame header
	KindJob               // job descriptor
	KindLock              // lock state of a Frame
)

var kindPrefixes = [...]string{
	KindData:  "d",
	KindChunk: "chk",
	KindVec:   "vec",
	KindFrame: "frm",
	KindJob:   "job",
	KindLock:  "lck",
}

func (k Kind) String() string {
	if int(k) < len(kindPrefixes) {
		return kindPrefixes[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Key names an object in the DKV. Keys are values and never change after creation.
// Chunk keys carry the index of the chunk within its Vec; their Name is the Vec's name.
type Key struct {
	Kind  Kind
	Name  string
	Chunk int32 // chunk index, only meaningful for KindChunk
}

func DataKey(name string) Key  { return Key{Kind: KindData, Name: name} }
func VecKey(name string) Key   { return Key{Kind: KindVec, Name: name} }
func FrameKey(name string) Key { return Key{Kind: KindFrame, Name: name} }
func JobKey(name string) Key   { return Key{Kind: KindJob, Name: name} }

// ChunkKey returns the key of chunk idx of the Vec with key vec.
func ChunkKey(vec Key, idx int) Key {
	return Key{Kind: KindChunk, Name: vec.Name, Chunk: int32(idx)}
}

// LockKey returns the key under which the lock state of a Frame is stored.
// It has the same name as the Frame and therefore the same home.
func LockKey(frame Key) Key { return Key{Kind: KindLock, Name: frame.Name} }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

// String returns the canonical string form, e.g. "vec:sales/price" or "chk:sales/price#3".
func (k Key) String() string {
	if k.Kind == KindChunk {
		return kindPrefixes[KindChunk] + ":" + k.Name + "#" + strconv.Itoa(int(k.Chunk))
	}
	return k.Kind.String() + ":" + k.Name
}

// ParseKey parses the string form produced by Key.String.
func ParseKey(s string) (Key, error) {
	prefix, name, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("invalid key %q: missing kind prefix", s)
	}
	kind := -1
	for i, p := range kindPrefixes {
		if p == prefix {
			kind = i
			break
		}
	}
	if kind < 0 {
		return Key{}, fmt.Errorf("invalid key %q: unknown kind %q", s, prefix)
	}
	if Kind(kind) != KindChunk {
		return Key{Kind: Kind(kind), Name: name}, nil
	}
	i := strings.LastIndexByte(name, '#')
	if i < 0 {
		return Key{}, fmt.Errorf("invalid chunk key %q: missing chunk index", s)
	}
	idx, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil || idx < 0 {
		return Key{}, fmt.Errorf("invalid chunk key %q: bad chunk index", s)
	}
	return Key{Kind: KindChunk, Name: name[:i], Chunk: int32(idx)}, nil
}

// Hash returns the placement hash of the key.
func (k Key) Hash() uint64 { return xxhash.Sum64String(k.Name) }

func (k *Key) MarshalWire(w *codec.Writer) {
	w.PutU8(uint8(k.Kind))
	w.PutString(k.Name)
	w.PutI32(k.Chunk)
}

func (k *Key) UnmarshalWire(r *codec.Reader) {
	k.Kind = Kind(r.U8())
	k.Name = r.Str()
	k.Chunk = r.I32()
}

// --------------------------------------------------------------------------
// Placement
// --------------------------------------------------------------------------

// maxRunLevel bounds the run length of consecutive chunks homed on one node to 1<<maxRunLevel.
const maxRunLevel = 4

// HomeIndex returns the index of the home node of k in a cluster of n nodes (-1 if n == 0).
//
// Chunk keys are placed by chunk index only, so that chunk i of every Vec lives on the same
// node. Placement starts with one chunk per node, then runs of 2, 4, 8 and finally 16
// consecutive chunks per node; small Vecs spread over all nodes while large Vecs keep
// neighbouring chunks together. All other keys use jump consistent hashing.
func HomeIndex(k Key, n int) int {
	if n <= 0 {
		return -1
	}
	if k.Kind == KindChunk {
		return ChunkHomeIndex(int(k.Chunk), n)
	}
	return int(jump.Hash(k.Hash(), n))
}

// ChunkHomeIndex returns the node index of chunk cidx in a cluster of n nodes.
func ChunkHomeIndex(cidx, n int) int {
	lo := 0
	for level := 0; ; level++ {
		run := 1 << level
		span := run * n
		if level == maxRunLevel || cidx < lo+span {
			return ((cidx - lo) / run) % n
		}
		lo += span
	}
}

// ReplicaIndex returns the index of the r-th replica holder (r = 0 is the home itself).
func ReplicaIndex(home, r, n int) int {
	return (home + r) % n
}

// Home returns the home node of k in view v.
func Home(k Key, v *cluster.View) (cluster.NodeInfo, bool) {
	i := HomeIndex(k, v.Size())
	if i < 0 {
		return cluster.NodeInfo{}, false
	}
	return v.Member(i), true
}

// Replicas returns the nodes holding copies of k (excluding the home) for a replication
// factor (total number of copies including the home).
func Replicas(k Key, v *cluster.View, replication int) []cluster.NodeInfo {
	n := v.Size()
	home := HomeIndex(k, n)
	if home < 0 || replication <= 1 {
		return nil
	}
	if replication > n {
		replication = n
	}
	out := make([]cluster.NodeInfo, 0, replication-1)
	for r := 1; r < replication; r++ {
		out = append(out, v.Member(ReplicaIndex(home, r, n)))
	}
	return out
}
