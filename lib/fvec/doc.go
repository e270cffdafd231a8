/*
Package fvec implements the partitioned columnar storage: Vecs (columns) split into Chunks
(compressed row ranges) and Frames (named lists of Vecs). Everything is stored in a
store.IStore, so on a cluster every chunk lives on its own home node.

# Keys

A Vec header is stored under a store.KindVec key, chunk i of the Vec under
store.ChunkKey(vecKey, i), a Frame header under a store.KindFrame key. Chunk keys are placed by
chunk index, so chunk i of every Vec is homed on the same node and a task over several columns
reads only local chunks.

# Row layout

RowLayout holds the first row of every chunk plus the total length. The layout is part of the
Vec header and never changes after the Vec was published, so any node can map a row to its
chunk without asking anybody:

	layout := fvec.UniformLayout(10_000, 4)
	cidx, _ := layout.ChunkForRow(2600) // 1

# Chunk encodings

NewChunk buffers the values of one chunk and Compress picks the narrowest encoding that still
represents every value exactly:

	C0     constant (NaN constant = all NA)
	C1..C8 signed integers of 1, 2, 4 or 8 bytes with bias and decimal scale
	C4F    float32
	C8D    float64
	CXS    sparse, rows differing from 0 (or NA) only; used with >= 32 rows and <= 1/8 non-default
	CAT1..CAT4  categorical codes
	CSTR   strings
	C16    UUIDs

Every encoding is a codec record, so a stored chunk is self describing.

# Building a Vec

	b := fvec.NewVecBuilder(st, store.VecKey("sales/price"), fvec.TypeNumeric, fvec.WithReplication(2))
	nc := b.NewChunk(0)
	nc.AddNum(1.5)
	nc.AddNA()
	_ = b.Close(ctx, nc) // compressed and written asynchronously
	vec, err := b.Publish(ctx) // waits for every chunk, then writes the header

Categorical levels are added with NewChunk.AddLevel, which extends the builder's Domain before
the code is written. Readers only ever see the domain frozen in the published header.
*/
package fvec
