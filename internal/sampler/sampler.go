// Package sampler reads every node once per cycle and assembles the frame
// payload, falling back to the last good value when a node fails.
package sampler

import (
	"fmt"
	"io"
	"log"

	"github.com/shaunagostinho/gradsense/internal/node"
	"github.com/shaunagostinho/gradsense/internal/recovery"
)

// Node is one entry of the sensor array in wiring order.
type Node struct {
	Name      string
	Driver    node.Driver
	Recoverer recovery.Recoverer // nil: nothing to recover, counter still resets
}

// NodeStats reports the fault history of one node.
type NodeStats struct {
	Name             string `json:"name"`
	Fresh            bool   `json:"fresh"`
	Failures         int    `json:"failures"`
	Reads            uint64 `json:"reads"`
	Misses           uint64 `json:"misses"`
	Recoveries       uint64 `json:"recoveries"`
	RecoveryFailures uint64 `json:"recoveryFailures"`
}

type slot struct {
	Node
	cache   *node.Cache
	tracker *recovery.Tracker
	stats   NodeStats
}

// Sampler is not safe for concurrent use; the device loop owns it.
type Sampler struct {
	slots []*slot
	log   *log.Logger
}

// New builds a sampler over nodes. threshold is the number of consecutive
// failed reads that triggers a recovery attempt.
func New(nodes []Node, threshold int, lg *log.Logger) *Sampler {
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	s := &Sampler{log: lg}
	for i, n := range nodes {
		if n.Name == "" {
			n.Name = fmt.Sprintf("node%d", i)
		}
		if n.Driver == nil {
			n.Driver = node.Unavailable{}
		}
		s.slots = append(s.slots, &slot{
			Node:    n,
			cache:   node.NewCache(i),
			tracker: recovery.NewTracker(threshold),
			stats:   NodeStats{Name: n.Name},
		})
	}
	return s
}

// Len returns the number of nodes.
func (s *Sampler) Len() int { return len(s.slots) }

// ReadAll samples every node once. The result always holds
// node.Channels values per node, whatever the number of failing nodes.
func (s *Sampler) ReadAll() []float32 {
	out := make([]float32, 0, len(s.slots)*node.Channels)
	for _, sl := range s.slots {
		s.sample(sl)
		out = sl.cache.Value().Append(out)
	}
	return out
}

func (s *Sampler) sample(sl *slot) {
	sl.stats.Reads++
	if r, ok := sl.Driver.Read(); ok {
		sl.cache.Update(r)
		sl.tracker.Succeed()
		return
	}
	sl.cache.MarkStale()
	sl.stats.Misses++
	if !sl.tracker.Fail() {
		return
	}

	sl.stats.Recoveries++
	if sl.Recoverer != nil {
		if err := sl.Recoverer.Recover(); err != nil {
			sl.stats.RecoveryFailures++
			s.log.Printf("[sampler] %s: %v", sl.Name, err)
		} else {
			s.log.Printf("[sampler] %s: recovered after %d failed reads", sl.Name, sl.tracker.Failures())
		}
	}
	sl.tracker.Reset()
}

// Stats returns a snapshot of every node's fault counters.
func (s *Sampler) Stats() []NodeStats {
	out := make([]NodeStats, len(s.slots))
	for i, sl := range s.slots {
		st := sl.stats
		st.Fresh = sl.cache.Fresh()
		st.Failures = sl.tracker.Failures()
		out[i] = st
	}
	return out
}
