package progress

// Handle binds a tracker to one job id so components can report without
// knowing about other jobs.
type Handle struct {
	tracker *Tracker
	id      string
}

func (t *Tracker) Handle(id string) Handle {
	return Handle{tracker: t, id: id}
}

func (h Handle) ID() string {
	return h.id
}

// Update applies fn to the job's record. No-op on a zero Handle.
func (h Handle) Update(fn func(*Record)) {
	if h.tracker == nil {
		return
	}
	h.tracker.WithProgress(h.id, fn)
}

func (h Handle) Snapshot() (Record, bool) {
	if h.tracker == nil {
		return Record{}, false
	}
	return h.tracker.Read(h.id)
}

// Stage reports entry into stage with a status line
func (h Handle) Stage(stage Stage, status string) {
	h.Update(func(r *Record) {
		Advance(r, stage, 0)
		r.Status = status
	})
}

// Item records that one more identifier was processed
func (h Handle) Item(status string) {
	h.Update(func(r *Record) {
		if r.Current < r.Total {
			r.Current++
		}
		Advance(r, StageDownloading, DownloadProgress(r.Current, r.Total))
		r.Status = status
	})
}

// Finish marks the job done with its archive and report
func (h Handle) Finish(zipPath, downloadURL string, report Report) {
	h.Update(func(r *Record) {
		Advance(r, StageFinalizing, 1)
		r.Status = "Complete"
		r.ZipPath = zipPath
		r.DownloadURL = downloadURL
		r.Report = &report
		r.Done = true
	})
}

// Fail marks the job done with an error
func (h Handle) Fail(err error) {
	h.Update(func(r *Record) {
		r.Status = "Failed"
		r.Error = err.Error()
		r.ZipPath = ""
		r.Report = nil
		r.Done = true
	})
}

// Reporter is the narrow view the authenticator needs
type Reporter interface {
	Stage(stage Stage, status string)
}

var _ Reporter = Handle{}
