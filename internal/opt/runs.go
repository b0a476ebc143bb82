package opt

import (
	"sync"
	"time"
)

// RunStats summarises one optimizer run.
type RunStats struct {
	At             time.Time     `json:"at"`
	Mode           string        `json:"mode"`
	Stops          int           `json:"stops"`
	Vehicles       int           `json:"vehicles"`
	Plans          int           `json:"plans"`
	Unassigned     int           `json:"unassigned"`
	Moves          int           `json:"moves"`
	Elapsed        time.Duration `json:"elapsedNs"`
	BudgetExceeded bool          `json:"budgetExceeded"`
}

// RunLog keeps the most recent runs in a fixed ring.
type RunLog struct {
	mu   sync.Mutex
	buf  []RunStats
	next int
	full bool
}

func NewRunLog(size int) *RunLog {
	if size <= 0 {
		size = 1
	}
	return &RunLog{buf: make([]RunStats, size)}
}

func (l *RunLog) Record(s RunStats) {
	l.mu.Lock()
	l.buf[l.next] = s
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns runs newest first.
func (l *RunLog) Recent() []RunStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]RunStats, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.buf[(l.next-i+len(l.buf))%len(l.buf)])
	}
	return out
}
