// Package access pulls points for each strategy query group from the
// backing stores, normalises them, and checkpoints progress. One logical
// task per query group; at most one execution per strategy at a time.
package access

import (
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/shared"
)

// WindowPolicy holds the tunables that shape a pull window.
type WindowPolicy struct {
	// Lag keeps the right edge at least this far behind now to tolerate
	// late data. Must be >= one interval.
	Lag int64
	// Bootstrap bounds the very first window when no checkpoint exists.
	Bootstrap int64
	// CatchupMultiplier caps how far behind a stored checkpoint may lag, in
	// intervals.
	CatchupMultiplier int64
	// MinCatchup is the floor for the catch-up cap in seconds.
	MinCatchup int64
}

// Window is one half-open pull range [Start, End), both interval-aligned.
type Window struct {
	Start int64
	End   int64
}

// Empty reports whether the window contains no aligned bucket.
func (w Window) Empty() bool { return w.End <= w.Start }

// Next computes the pull window for a query group given its stored
// checkpoint (0 when none) and the wall clock. Rules:
//   - both edges snap down to the interval boundary, so consecutive runs
//     produce disjoint windows;
//   - first run starts at now - bootstrap;
//   - a checkpoint further back than max_catchup snaps forward, bounding
//     replay after an outage.
func (p *WindowPolicy) Next(checkpoint, interval, now int64) Window {
	lag := p.Lag
	if lag < interval {
		lag = interval
	}
	end := shared.AlignTime(now-lag, interval)

	start := checkpoint
	if start == 0 {
		bootstrap := p.Bootstrap
		if bootstrap <= 0 {
			bootstrap = interval
		}
		start = now - bootstrap
	}

	maxCatchup := p.CatchupMultiplier * interval
	if maxCatchup < p.MinCatchup {
		maxCatchup = p.MinCatchup
	}
	if end-start > maxCatchup {
		start = end - maxCatchup
	}

	start = shared.AlignTime(start, interval)
	if start > end {
		start = end
	}
	return Window{Start: start, End: end}
}
