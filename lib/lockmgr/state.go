package lockmgr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/lib/errs"
)

// Hold is the reentrancy depth of one job.
type Hold struct {
	Job   string `json:"job"`
	Depth int32  `json:"depth"`
}

// State is the lock state of a Frame as stored in the DKV.
type State struct {
	Writer      string `json:"writer,omitempty"`
	WriterDepth int32  `json:"writerDepth,omitempty"`
	// Readers is sorted by job.
	Readers []Hold `json:"readers,omitempty"`
	// Waiting is a writer queued behind the current holders; new readers wait for it.
	Waiting      string `json:"waiting,omitempty"`
	WaitingSince int64  `json:"waitingSince,omitempty"` // unix nanos of the waiter's last refresh
}

func (s *State) MarshalWire(w *codec.Writer) {
	w.PutString(s.Writer)
	w.PutI32(s.WriterDepth)
	jobs := make([]string, len(s.Readers))
	depths := make([]int32, len(s.Readers))
	for i, h := range s.Readers {
		jobs[i], depths[i] = h.Job, h.Depth
	}
	w.PutStrings(jobs)
	w.PutI32s(depths)
	w.PutString(s.Waiting)
	w.PutI64(s.WaitingSince)
}

func (s *State) UnmarshalWire(r *codec.Reader) {
	s.Writer = r.Str()
	s.WriterDepth = r.I32()
	jobs, depths := r.Strings(), r.I32s()
	if len(jobs) != len(depths) {
		r.Fail(&errs.DecodeError{Msg: fmt.Sprintf("lock state has %d readers but %d depths", len(jobs), len(depths))})
		return
	}
	s.Readers = nil
	for i := range jobs {
		s.Readers = append(s.Readers, Hold{Job: jobs[i], Depth: depths[i]})
	}
	s.Waiting = r.Str()
	s.WaitingSince = r.I64()
}

// Free reports whether nobody holds or waits for the lock.
func (s *State) Free() bool {
	return s.Writer == "" && len(s.Readers) == 0 && s.Waiting == ""
}

func (s *State) readerIndex(job string) int {
	i := sort.Search(len(s.Readers), func(i int) bool { return s.Readers[i].Job >= job })
	if i < len(s.Readers) && s.Readers[i].Job == job {
		return i
	}
	return -1
}

func (s *State) addReader(job string) {
	if i := s.readerIndex(job); i >= 0 {
		s.Readers[i].Depth++
		return
	}
	i := sort.Search(len(s.Readers), func(i int) bool { return s.Readers[i].Job >= job })
	s.Readers = append(s.Readers, Hold{})
	copy(s.Readers[i+1:], s.Readers[i:])
	s.Readers[i] = Hold{Job: job, Depth: 1}
}

// otherReaders returns the first reader that is not job, or "".
func (s *State) otherReader(job string) string {
	for _, h := range s.Readers {
		if h.Job != job {
			return h.Job
		}
	}
	return ""
}

func (s *State) String() string {
	if s.Free() {
		return "free"
	}
	var parts []string
	if s.Writer != "" {
		parts = append(parts, fmt.Sprintf("writer=%s(%d)", s.Writer, s.WriterDepth))
	}
	for _, h := range s.Readers {
		parts = append(parts, fmt.Sprintf("reader=%s(%d)", h.Job, h.Depth))
	}
	if s.Waiting != "" {
		parts = append(parts, "waiting="+s.Waiting)
	}
	return strings.Join(parts, " ")
}
