package progress

import (
	"sync"
	"time"
)

// Stage names the phase a job is in
type Stage string

const (
	StageSessionCheck Stage = "session_check"
	StageMFA          Stage = "mfa"
	StageDownloading  Stage = "downloading"
	StageFinalizing   Stage = "finalizing"
)

// stage bands on the 0-100 scale
var bands = map[Stage][2]int{
	StageSessionCheck: {0, 10},
	StageMFA:          {10, 20},
	StageDownloading:  {20, 90},
	StageFinalizing:   {90, 100},
}

var order = map[Stage]int{
	StageSessionCheck: 0,
	StageMFA:          1,
	StageDownloading:  2,
	StageFinalizing:   3,
}

// Report summarises a finished batch
type Report struct {
	TotalBookings        int      `json:"total_bookings"`
	SuccessfulDownloads  int      `json:"successful_downloads"`
	FailedDownloads      int      `json:"failed_downloads"`
	FailedBookingNumbers []string `json:"failed_booking_numbers"`
}

// Record is the observable state of one job
type Record struct {
	Total         int       `json:"total"`
	Current       int       `json:"current"`
	Stage         Stage     `json:"stage"`
	StageProgress int       `json:"stage_progress"`
	Status        string    `json:"status"`
	Done          bool      `json:"done"`
	Error         string    `json:"error,omitempty"`
	ZipPath       string    `json:"zip_path,omitempty"`
	DownloadURL   string    `json:"download_url,omitempty"`
	Report        *Report   `json:"report,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy
func (r Record) Clone() Record {
	if r.Report != nil {
		rep := *r.Report
		rep.FailedBookingNumbers = append([]string(nil), r.Report.FailedBookingNumbers...)
		r.Report = &rep
	}
	return r
}

// Default is the record reported for a job that has not started
func Default(total int) Record {
	return Record{
		Total:  total,
		Stage:  StageSessionCheck,
		Status: "Not started",
	}
}

// Tracker holds the records of all jobs behind one mutex
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time

	subMu sync.Mutex
	subs  map[string][]chan Record
}

func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		subs:    make(map[string][]chan Record),
		now:     time.Now,
	}
}

// Create registers a job. An existing record for id is kept and false
// returned.
func (t *Tracker) Create(id string, total int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; ok {
		return false
	}
	now := t.now()
	t.records[id] = &Record{
		Total:     total,
		Stage:     StageSessionCheck,
		Status:    "Starting...",
		StartedAt: now,
		UpdatedAt: now,
	}
	return true
}

// Replace drops any record for id and registers a fresh one
func (t *Tracker) Replace(id string, total int) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
	t.Create(id, total)
}

// Delete forgets id
func (t *Tracker) Delete(id string) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
}

// WithProgress applies fn to the record of id under the tracker lock and
// notifies subscribers. Unknown ids are ignored.
func (t *Tracker) WithProgress(id string, fn func(*Record)) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(r)
	r.UpdatedAt = t.now()
	snap := r.Clone()
	t.mu.Unlock()

	t.publish(id, snap)
}

// Read returns a copy of the record for id
func (t *Tracker) Read(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// IDs returns the ids of all tracked jobs
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel receiving a snapshot after every change to id.
// Slow receivers miss intermediate snapshots. cancel must be called.
func (t *Tracker) Subscribe(id string) (<-chan Record, func()) {
	ch := make(chan Record, 8)
	t.subMu.Lock()
	t.subs[id] = append(t.subs[id], ch)
	t.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.subMu.Lock()
			defer t.subMu.Unlock()
			list := t.subs[id]
			for i, c := range list {
				if c == ch {
					t.subs[id] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(t.subs[id]) == 0 {
				delete(t.subs, id)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (t *Tracker) publish(id string, snap Record) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs[id] {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Advance moves r to stage at pct percent of that stage's band. Moving
// backwards in stage order or overall progress is ignored.
func Advance(r *Record, stage Stage, pct float64) {
	band, ok := bands[stage]
	if !ok {
		return
	}
	if order[stage] < order[r.Stage] {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	r.Stage = stage
	v := band[0] + int(pct*float64(band[1]-band[0]))
	if v > r.StageProgress {
		r.StageProgress = v
	}
}

// DownloadProgress is the overall percentage after current of total items
func DownloadProgress(current, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(current) / float64(total)
}
