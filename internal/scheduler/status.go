package scheduler

import "time"

type SourceStatus struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"displayName"`
	Platform      string     `json:"platform"`
	LastCheckTime *time.Time `json:"lastCheckTime"`
	SeenCount     int        `json:"seenCount"`
	LastFetched   int        `json:"lastFetched"`
	Dispatched    int64      `json:"dispatched"`
	Skipped       int64      `json:"skipped"`
	Failed        int64      `json:"failed"`
	InFlight      int        `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

type Status struct {
	Running        bool           `json:"running"`
	Interval       string         `json:"interval"`
	Method         string         `json:"method"`
	LedgerBackend  string         `json:"ledgerBackend"`
	LedgerFailures int64          `json:"ledgerFailures"`
	StartError     string         `json:"startError,omitempty"`
	Sources        []SourceStatus `json:"sources"`
}

// Status 只读快照，可并发调用
func (s *Scheduler) Status() Status {
	st := Status{
		Running:        s.running.Load(),
		Interval:       s.opts.Interval.String(),
		Method:         "feed",
		LedgerBackend:  s.ledger.BackendName(),
		LedgerFailures: s.ledger.Failures(),
		Sources:        make([]SourceStatus, 0, len(s.order)),
	}
	if v, ok := s.startErr.Load().(string); ok {
		st.StartError = v
	}
	for _, id := range s.order {
		st.Sources = append(st.Sources, s.states[id].status(s.ledger))
	}
	return st
}
