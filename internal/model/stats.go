package model

import "time"

// DiagStats is the REST client's running tally for its controller
// connection, shared across every node server talking to it, exposed via
// "statistics" replies. All fields
// are cumulative since the client was created; they never reset except via
// an explicit ManagerOpClearStatistics.
type DiagStats struct {
	OKCount      int64         `json:"ok_count"`
	ErrorCount   int64         `json:"error_count"`
	TimeoutCount int64         `json:"timeout_count"`
	RetriesTotal int64         `json:"retries_total"`
	BytesIn      int64         `json:"bytes_in"`
	BytesOut     int64         `json:"bytes_out"`
	LastCallAt   time.Time     `json:"last_call_at,omitempty"`
	LastElapsed  time.Duration `json:"last_elapsed_ns,omitempty"`

	// SumElapsed/MinElapsed/MaxElapsed track the call-latency distribution
	// the way the original diagnostics do: a running sum plus min/max,
	// cheap to update per call and enough to derive an average on read.
	SumElapsed time.Duration `json:"sum_elapsed_ns"`
	MinElapsed time.Duration `json:"min_elapsed_ns"`
	MaxElapsed time.Duration `json:"max_elapsed_ns"`
	CallCount  int64         `json:"call_count"`
}

// StatusCode mirrors the Result record's status_code domain: a successful
// HTTP round trip reports its real status code, and the four transport-layer
// failures get the reserved codes 1-4, below any real HTTP status, so they
// never collide with one.
type StatusCode int

const (
	StatusTimeout         StatusCode = 1
	StatusProtocolError   StatusCode = 2
	StatusBadURL          StatusCode = 3
	StatusConnectionError StatusCode = 4
)

// Result is the outcome of one REST call, whether it succeeded, failed
// permanently, or exhausted the retry ladder.
type Result struct {
	Seq        int64
	StatusCode int
	Text       string
	Elapsed    time.Duration
	Retries    int
}

// Record folds one Result into the running DiagStats. ok is true for any
// 2xx response; all four synthetic StatusCode values (and non-2xx HTTP
// codes) count as errors, and StatusTimeout additionally increments
// TimeoutCount.
func (d *DiagStats) Record(r Result, now time.Time) {
	d.BytesOut += int64(len(r.Text))
	d.RetriesTotal += int64(r.Retries)
	d.LastCallAt = now
	d.LastElapsed = r.Elapsed

	d.CallCount++
	d.SumElapsed += r.Elapsed
	if d.MinElapsed == 0 || r.Elapsed < d.MinElapsed {
		d.MinElapsed = r.Elapsed
	}
	if r.Elapsed > d.MaxElapsed {
		d.MaxElapsed = r.Elapsed
	}

	switch {
	case r.StatusCode == int(StatusTimeout):
		d.TimeoutCount++
		d.ErrorCount++
	case r.StatusCode >= 200 && r.StatusCode < 300:
		d.OKCount++
	default:
		d.ErrorCount++
	}
}

// Clear resets all counters, used by the "manager" ClearStatistics op.
func (d *DiagStats) Clear() {
	*d = DiagStats{}
}
