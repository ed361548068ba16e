package database

import (
	"strings"
	"sync"
	"time"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

const maxLoggedQueryLength = 200

// SlowQuery is one entry of the slow query log.
type SlowQuery struct {
	Operation string        `json:"operation"`
	Query     string        `json:"query"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
	Error     string        `json:"error,omitempty"`
}

// QueryStats summarises facade calls.
type QueryStats struct {
	TotalQueries    int64         `json:"total_queries"`
	FailedQueries   int64         `json:"failed_queries"`
	SlowQueries     int64         `json:"slow_queries"`
	VeryLongQueries int64         `json:"very_long_queries"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	RecentSlow      []SlowQuery   `json:"recent_slow"`
}

// QueryEvent is delivered to query listeners after every facade call.
type QueryEvent struct {
	Operation string
	Query     string
	Duration  time.Duration
	Kind      dberr.Kind // Empty on success
	Err       error
	Slow      bool
	VeryLong  bool
}

// QueryListener receives query events. Panics are recovered and logged.
type QueryListener func(QueryEvent)

type queryRecorder struct {
	mu            sync.Mutex
	total         int64
	failed        int64
	slow          int64
	veryLong      int64
	totalDuration time.Duration
	maxDuration   time.Duration

	ring []SlowQuery
	next int
	full bool
}

func newQueryRecorder(size int) *queryRecorder {
	return &queryRecorder{ring: make([]SlowQuery, size)}
}

func (r *queryRecorder) record(e QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.totalDuration += e.Duration
	if e.Duration > r.maxDuration {
		r.maxDuration = e.Duration
	}
	if e.Err != nil {
		r.failed++
	}
	if e.VeryLong {
		r.veryLong++
	}
	if !e.Slow {
		return
	}

	r.slow++
	entry := SlowQuery{
		Operation: e.Operation,
		Query:     e.Query,
		Duration:  e.Duration,
		At:        time.Now(),
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	r.ring[r.next] = entry
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the stats with the slow log oldest first.
func (r *queryRecorder) snapshot() QueryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := QueryStats{
		TotalQueries:    r.total,
		FailedQueries:   r.failed,
		SlowQueries:     r.slow,
		VeryLongQueries: r.veryLong,
		MaxDuration:     r.maxDuration,
	}
	if r.total > 0 {
		s.AverageDuration = r.totalDuration / time.Duration(r.total)
	}

	if r.full {
		s.RecentSlow = make([]SlowQuery, 0, len(r.ring))
		s.RecentSlow = append(s.RecentSlow, r.ring[r.next:]...)
		s.RecentSlow = append(s.RecentSlow, r.ring[:r.next]...)
	} else {
		s.RecentSlow = make([]SlowQuery, r.next)
		copy(s.RecentSlow, r.ring[:r.next])
	}
	return s
}

// truncateQuery collapses whitespace and shortens SQL for logs.
func truncateQuery(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) <= maxLoggedQueryLength {
		return q
	}
	return q[:maxLoggedQueryLength-3] + "..."
}
