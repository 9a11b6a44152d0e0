package testrun

import (
	"sort"
	"time"
)

const (
	recentWindow7d  = 7 * 24 * time.Hour
	recentWindow30d = 30 * 24 * time.Hour
)

// RunHistory is the aggregated view of all runs of one test. All
// contained records are owned copies; at most one of them (the failed
// record with the maximal timestamp) retains non-empty output.
type RunHistory struct {
	// All runs sorted by timestamp descending.
	All []*RunRecord

	Last       *RunRecord
	Oldest     *RunRecord
	LastFailed *RunRecord

	LastByVariant map[string]*RunRecord
	AllByVariant  map[string][]*RunRecord

	LastByVersion       map[string]*RunRecord
	AllByVersion        map[string][]*RunRecord
	LastFailedByVersion map[string]*RunRecord

	Runs        int
	RunsLast7d  int
	RunsLast30d int

	Failures        int
	FailuresLast7d  int
	FailuresLast30d int
}

// Aggregate builds a RunHistory from an unordered record collection in
// a single pass. Nil entries are skipped. Recency counters are
// computed against the caller-supplied now. Empty input yields empty
// aggregates and nil Last/Oldest/LastFailed; no error is ever raised.
func Aggregate(records []*RunRecord, now time.Time) *RunHistory {
	h := &RunHistory{
		LastByVariant:       make(map[string]*RunRecord),
		AllByVariant:        make(map[string][]*RunRecord),
		LastByVersion:       make(map[string]*RunRecord),
		AllByVersion:        make(map[string][]*RunRecord),
		LastFailedByVersion: make(map[string]*RunRecord),
	}

	cutoff7d := now.Add(-recentWindow7d).Unix()
	cutoff30d := now.Add(-recentWindow30d).Unix()

	for _, r := range records {
		if r == nil {
			continue
		}

		var c *RunRecord
		if r.Failed {
			c = r.clone()
		} else {
			// Passed-run output is never retained.
			c = r.redacted()
		}

		h.Runs++

		if c.TimestampSeconds >= cutoff7d {
			h.RunsLast7d++
		}

		if c.TimestampSeconds >= cutoff30d {
			h.RunsLast30d++
		}

		h.All = append(h.All, c)
		h.AllByVariant[c.Variant] = append(h.AllByVariant[c.Variant], c)
		h.AllByVersion[c.Version] = append(h.AllByVersion[c.Version], c)

		if newer(c, h.LastByVariant[c.Variant]) {
			h.LastByVariant[c.Variant] = c
		}

		if newer(c, h.LastByVersion[c.Version]) {
			h.LastByVersion[c.Version] = c
		}

		if newer(c, h.Last) {
			h.Last = c
		}

		if h.Oldest == nil ||
			c.TimestampSeconds < h.Oldest.TimestampSeconds {
			h.Oldest = c
		}

		if !c.Failed {
			continue
		}

		h.Failures++

		if c.TimestampSeconds >= cutoff7d {
			h.FailuresLast7d++
		}

		if c.TimestampSeconds >= cutoff30d {
			h.FailuresLast30d++
		}

		if newer(c, h.LastFailedByVersion[c.Version]) {
			h.LastFailedByVersion[c.Version] = c
		}

		// Only the globally most recent failed record keeps its
		// output; redact whichever of the two is older. The copies
		// are owned by this history, so clearing output here never
		// touches a caller's record.
		if newer(c, h.LastFailed) {
			if h.LastFailed != nil {
				h.LastFailed.Output = nil
			}

			h.LastFailed = c
		} else {
			c.Output = nil
		}
	}

	sort.SliceStable(h.All, func(i, j int) bool {
		return h.All[i].TimestampSeconds > h.All[j].TimestampSeconds
	})

	return h
}

// newer reports whether candidate has a strictly greater timestamp
// than the current record, treating nil current as always older.
func newer(candidate, current *RunRecord) bool {
	return current == nil ||
		candidate.TimestampSeconds > current.TimestampSeconds
}
