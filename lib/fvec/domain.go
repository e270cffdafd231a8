package fvec

import "sync"

// Domain is the level table of a categorical Vec: level i has code i.
// While a Vec is built, writers extend the domain up-front with every new level; once the Vec
// is published its domain is frozen in the header.
type Domain struct {
	mu     sync.RWMutex
	levels []string
	codes  map[string]int32
}

// NewDomain creates a domain with the given levels in code order. Duplicates are dropped.
func NewDomain(levels ...string) *Domain {
	d := &Domain{codes: make(map[string]int32, len(levels))}
	for _, l := range levels {
		d.Extend(l)
	}
	return d
}

// Code returns the code of level.
func (d *Domain) Code(level string) (int32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.codes[level]
	return c, ok
}

// Extend returns the code of level, adding the level first if it is new.
func (d *Domain) Extend(level string) int32 {
	if c, ok := d.Code(level); ok {
		return c
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.codes[level]; ok {
		return c
	}
	c := int32(len(d.levels))
	d.levels = append(d.levels, level)
	d.codes[level] = c
	return c
}

// Level returns the level with the given code.
func (d *Domain) Level(code int32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if code < 0 || int(code) >= len(d.levels) {
		return "", false
	}
	return d.levels[code], true
}

// Len returns the number of levels.
func (d *Domain) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.levels)
}

// Levels returns a copy of the levels in code order.
func (d *Domain) Levels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.levels...)
}
