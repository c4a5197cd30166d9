package usage

import (
	"maps"
	"time"
)

// FlagCounts accumulates accesses of one known flag.
type FlagCounts struct {
	Yes      int            `json:"yes"`
	No       int            `json:"no"`
	Variants map[string]int `json:"variants"`
}

// Bucket is one time window of access counters.
type Bucket struct {
	Start   time.Time             `json:"start"`
	Stop    time.Time             `json:"stop"`
	Flags   map[string]FlagCounts `json:"flags"`
	Missing map[string]int        `json:"missing"`
}

func newBucket(start time.Time) Bucket {
	return Bucket{
		Start:   start,
		Flags:   make(map[string]FlagCounts),
		Missing: make(map[string]int),
	}
}

// Empty reports whether the bucket has no flag and no missing entries.
func (b Bucket) Empty() bool {
	return len(b.Flags) == 0 && len(b.Missing) == 0
}

func (b Bucket) clone() Bucket {
	out := Bucket{
		Start:   b.Start,
		Stop:    b.Stop,
		Flags:   make(map[string]FlagCounts, len(b.Flags)),
		Missing: maps.Clone(b.Missing),
	}
	for name, c := range b.Flags {
		c.Variants = maps.Clone(c.Variants)
		out.Flags[name] = c
	}
	if out.Missing == nil {
		out.Missing = make(map[string]int)
	}
	return out
}
