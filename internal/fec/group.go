package fec

import "time"

// GroupConfig mirrors the fec_group_size/fec_parity config options.
type GroupConfig struct {
	DataShards   int
	ParityShards int
	FlushAfter   time.Duration // default 10ms, §4.4 "FEC"
}

// SourceGroup accumulates outbound Data frame payloads for one FEC
// group, flushing repair shards when full, on stream idle, or after
// FlushAfter — whichever comes first.
type SourceGroup struct {
	cfg      GroupConfig
	groupID  uint64
	shards   [][]byte
	shardLen int
	started  time.Time
}

// NewSourceGroup starts a new group with the given id.
func NewSourceGroup(cfg GroupConfig, groupID uint64, now time.Time) *SourceGroup {
	return &SourceGroup{cfg: cfg, groupID: groupID, started: now}
}

// Add appends one source shard and tracks the group's common shard
// length (the largest seen so far; RS operates on equal-length shards).
// Flush does the zero-padding to that length.
func (g *SourceGroup) Add(payload []byte) {
	g.shards = append(g.shards, payload)
	if len(payload) > g.shardLen {
		g.shardLen = len(payload)
	}
}

// ID returns the group's identifier.
func (g *SourceGroup) ID() uint64 { return g.groupID }

// Count returns how many source shards have been added so far, which is
// also the shard index the next Add will occupy.
func (g *SourceGroup) Count() int { return len(g.shards) }

// Full reports whether the group has collected DataShards payloads.
func (g *SourceGroup) Full() bool { return len(g.shards) >= g.cfg.DataShards }

// Empty reports whether the group has collected no shards at all, so a
// timer-driven flush has nothing to encode.
func (g *SourceGroup) Empty() bool { return len(g.shards) == 0 }

// Due reports whether FlushAfter has elapsed since the group was started
// (the now passed to NewSourceGroup).
func (g *SourceGroup) Due(now time.Time) bool { return now.Sub(g.started) >= g.cfg.FlushAfter }

// Flush pads shards to a common length and computes repair shards. It
// returns exactly DataShards source shards (slots past the ones added
// are all zeros) alongside the repair shards, all of the same length, so
// a receiver can align by index.
func (g *SourceGroup) Flush() (groupID uint64, padded [][]byte, repair [][]byte, err error) {
	padded = make([][]byte, g.cfg.DataShards)
	for i := 0; i < g.cfg.DataShards; i++ {
		if i < len(g.shards) {
			s := make([]byte, g.shardLen)
			copy(s, g.shards[i])
			padded[i] = s
		} else {
			padded[i] = make([]byte, g.shardLen)
		}
	}
	enc := NewEncoder(g.cfg.DataShards, g.cfg.ParityShards)
	repair, err = enc.Encode(padded)
	return g.groupID, padded, repair, err
}

// RecoveryGroup accumulates received shards (data and repair) for one
// group on the receive side until enough have arrived to deliver the
// originals or reconstruct the missing ones.
type RecoveryGroup struct {
	cfg     GroupConfig
	shards  [][]byte // len == DataShards+ParityShards, nil where missing
	present int
}

// NewRecoveryGroup starts tracking a group on the receive side.
func NewRecoveryGroup(cfg GroupConfig) *RecoveryGroup {
	return &RecoveryGroup{cfg: cfg, shards: make([][]byte, cfg.DataShards+cfg.ParityShards)}
}

// AddShard records shard at position idx (0..DataShards-1 for data,
// DataShards..DataShards+ParityShards-1 for repair shards).
func (r *RecoveryGroup) AddShard(idx int, payload []byte) {
	if idx < 0 || idx >= len(r.shards) {
		return
	}
	if r.shards[idx] == nil {
		r.present++
	}
	r.shards[idx] = payload
}

// Ready reports whether enough shards have arrived to recover every
// data shard (received directly, or reconstructible from parity).
func (r *RecoveryGroup) Ready() bool {
	missingData := 0
	for i := 0; i < r.cfg.DataShards; i++ {
		if r.shards[i] == nil {
			missingData++
		}
	}
	if missingData == 0 {
		return true
	}
	return r.present >= r.cfg.DataShards
}

// MissingData returns the indices of data shards that have not arrived
// directly and would have to be reconstructed.
func (r *RecoveryGroup) MissingData() []int {
	var missing []int
	for i := 0; i < r.cfg.DataShards; i++ {
		if r.shards[i] == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// Recover reconstructs any missing data shards and returns the full set
// of DataShards source payloads. Present shards are zero-padded to a
// common length first; the sender padded the same way before encoding.
func (r *RecoveryGroup) Recover() ([][]byte, error) {
	maxLen := 0
	for _, s := range r.shards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for i, s := range r.shards {
		if s != nil && len(s) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, s)
			r.shards[i] = padded
		}
	}
	enc := NewEncoder(r.cfg.DataShards, r.cfg.ParityShards)
	if err := enc.Reconstruct(r.shards); err != nil {
		return nil, err
	}
	return r.shards[:r.cfg.DataShards], nil
}
