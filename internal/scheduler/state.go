package scheduler

import (
	"sync"
	"time"

	"github.com/LJTian/feedrelay/internal/collector"
	"github.com/LJTian/feedrelay/internal/dispatcher"
	"github.com/LJTian/feedrelay/internal/ledger"
)

// sourceState 单个订阅源的运行状态
type sourceState struct {
	src collector.Source

	mu          sync.Mutex
	inflight    map[string]struct{}
	lastCheck   time.Time
	lastFetched int
	dispatched  int64
	skipped     int64
	failed      int64
	lastError   string
}

func newSourceState(src collector.Source) *sourceState {
	return &sourceState{src: src, inflight: make(map[string]struct{})}
}

// claim 认领一个条目。已在处理中或已记账的条目返回 false，重叠的轮次因此不会重复推送
func (st *sourceState) claim(itemID string, l *ledger.Ledger) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, busy := st.inflight[itemID]; busy {
		return false
	}
	if l.IsSeen(st.src.ID, itemID) {
		return false
	}
	st.inflight[itemID] = struct{}{}
	return true
}

func (st *sourceState) release(itemID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.inflight, itemID)
}

func (st *sourceState) recordFetch(at time.Time, n int, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastCheck = at
	st.lastFetched = n
	if err != nil {
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
}

func (st *sourceState) recordOutcome(out dispatcher.Outcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case out.Delivered:
		st.dispatched++
	case out.Skipped:
		st.skipped++
	default:
		st.failed++
		if out.Err != nil {
			st.lastError = out.Err.Error()
		}
	}
}

func (st *sourceState) recordError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastError = err.Error()
}

func (st *sourceState) status(l *ledger.Ledger) SourceStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	ss := SourceStatus{
		ID:          st.src.ID,
		DisplayName: st.src.DisplayName,
		Platform:    string(st.src.Platform),
		SeenCount:   l.Count(st.src.ID),
		LastFetched: st.lastFetched,
		Dispatched:  st.dispatched,
		Skipped:     st.skipped,
		Failed:      st.failed,
		InFlight:    len(st.inflight),
		LastError:   st.lastError,
	}
	if !st.lastCheck.IsZero() {
		t := st.lastCheck
		ss.LastCheckTime = &t
	}
	return ss
}
