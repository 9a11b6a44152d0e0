package testrun

import "strings"

// Token is the outcome of one test in one build of a comparison
// window.
type Token uint8

// Token values.
const (
	Passed Token = iota
	Failed
	Skipped
	NotRun
)

// String renders the token as its single-letter story character.
func (t Token) String() string {
	switch t {
	case Passed:
		return "P"
	case Failed:
		return "F"
	case Skipped:
		return "S"
	default:
		return "N"
	}
}

// RunSequence is the newest-first outcome sequence of one test across
// a comparison window.
type RunSequence []Token

// headLen is the number of most recent runs the gate engine treats as
// the "recent" window when discounting older noise.
const headLen = 4

// ParseSequence builds a sequence from its story rendering, e.g.
// "PFPS". Unknown characters map to NotRun.
func ParseSequence(s string) RunSequence {
	seq := make(RunSequence, 0, len(s))

	for _, c := range s {
		switch c {
		case 'P':
			seq = append(seq, Passed)
		case 'F':
			seq = append(seq, Failed)
		case 'S':
			seq = append(seq, Skipped)
		default:
			seq = append(seq, NotRun)
		}
	}

	return seq
}

// SequenceFor aligns a test's records on the window's ordered build
// numbers (newest first) and pads builds without a run for the test
// with NotRun. When a build ran the test more than once (variants), a
// failed run wins, then the latest timestamp.
func SequenceFor(buildNumbers []int64, records []*RunRecord) RunSequence {
	byBuild := make(map[int64]*RunRecord, len(records))

	for _, r := range records {
		if r == nil {
			continue
		}

		cur, ok := byBuild[r.BuildNumber]
		if !ok {
			byBuild[r.BuildNumber] = r

			continue
		}

		if (r.Failed && !cur.Failed) ||
			(r.Failed == cur.Failed &&
				r.TimestampSeconds > cur.TimestampSeconds) {
			byBuild[r.BuildNumber] = r
		}
	}

	seq := make(RunSequence, 0, len(buildNumbers))

	for _, n := range buildNumbers {
		r, ok := byBuild[n]

		switch {
		case !ok:
			seq = append(seq, NotRun)
		case r.Failed:
			seq = append(seq, Failed)
		case r.Skipped:
			seq = append(seq, Skipped)
		default:
			seq = append(seq, Passed)
		}
	}

	return seq
}

// String renders the sequence as story characters, newest first.
func (s RunSequence) String() string {
	var b strings.Builder

	for _, t := range s {
		b.WriteString(t.String())
	}

	return b.String()
}

// Empty reports whether the sequence has no tokens at all.
func (s RunSequence) Empty() bool {
	return len(s) == 0
}

// AlwaysPassing reports whether every recorded run passed. An empty
// sequence has no runs and is never "always passing".
func (s RunSequence) AlwaysPassing() bool {
	if len(s) == 0 {
		return false
	}

	for _, t := range s {
		if t != Passed {
			return false
		}
	}

	return true
}

// AlwaysFailing reports whether every recorded run failed. An empty
// sequence is never "always failing".
func (s RunSequence) AlwaysFailing() bool {
	if len(s) == 0 {
		return false
	}

	for _, t := range s {
		if t != Failed {
			return false
		}
	}

	return true
}

// HasFailure reports whether any token is Failed.
func (s RunSequence) HasFailure() bool {
	for _, t := range s {
		if t == Failed {
			return true
		}
	}

	return false
}

// Results strips the sequence to actual outcomes: Skipped and NotRun
// tokens are removed.
func (s RunSequence) Results() RunSequence {
	out := make(RunSequence, 0, len(s))

	for _, t := range s {
		if t == Passed || t == Failed {
			out = append(out, t)
		}
	}

	return out
}

// Head returns the up-to-four most recent tokens.
func (s RunSequence) Head() RunSequence {
	if len(s) <= headLen {
		return s
	}

	return s[:headLen]
}

// Tail returns everything beyond the head.
func (s RunSequence) Tail() RunSequence {
	if len(s) <= headLen {
		return nil
	}

	return s[headLen:]
}

// StartsWith reports whether the sequence begins with the given
// token prefix.
func (s RunSequence) StartsWith(prefix ...Token) bool {
	if len(s) < len(prefix) {
		return false
	}

	for i, t := range prefix {
		if s[i] != t {
			return false
		}
	}

	return true
}
