package persist

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// boltBackend keeps every object as one value of a bbolt database.
type boltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (or creates) the bbolt database at file.
func OpenBoltBackend(file string) (Backend, error) {
	db, err := bolt.Open(file, 0o666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %s", file)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating bucket")
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Read(_ context.Context, p string, off, n int64) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(p))
		if v == nil {
			return errors.Errorf("object %s does not exist", p)
		}
		if off > int64(len(v)) || (n >= 0 && off+n > int64(len(v))) {
			return errors.Wrapf(io.ErrUnexpectedEOF, "reading %d bytes at %d of %s (%d bytes)", n, off, p, len(v))
		}
		end := int64(len(v))
		if n >= 0 {
			end = off + n
		}
		// values are only valid inside the transaction
		out = append([]byte(nil), v[off:end]...)
		return nil
	})
	return out, err
}

// Write buffers the object and stores it in one transaction on Close.
func (b *boltBackend) Write(_ context.Context, p string) (io.WriteCloser, error) {
	return &boltWriter{db: b.db, key: []byte(p)}, nil
}

type boltWriter struct {
	bytes.Buffer
	db  *bolt.DB
	key []byte
}

func (w *boltWriter) Close() error {
	return w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put(w.key, w.Bytes())
	})
}

func (b *boltBackend) Exists(_ context.Context, p string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketObjects).Get([]byte(p)) != nil
		return nil
	})
	return ok, err
}

func (b *boltBackend) Delete(_ context.Context, p string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(p))
	})
}

// List seeks to prefix; keys are sorted in bbolt.
func (b *boltBackend) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		pre := []byte(prefix)
		for k, _ := c.Seek(pre); k != nil && bytes.HasPrefix(k, pre); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) Close() error { return b.db.Close() }
