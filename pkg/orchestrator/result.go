package orchestrator

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
	StatusTimeout Status = "timeout"
)

// Result describes a finished sync attempt. Skipped and timed out attempts
// are results, not errors.
type Result struct {
	Status     Status
	Message    string
	Uploaded   int
	Downloaded int
	Conflicts  int
	Merged     int
	Deleted    int
	// QueueFailed counts queued operations that exhausted their retries
	// during this pass.
	QueueFailed int
	Errors      []EntityError

	uploaded map[string]struct{}
}

func (r *Result) hasFailures() bool {
	return len(r.Errors) > 0 || r.QueueFailed > 0
}

// addUploaded records acknowledged entity ids. An entity counts once per
// pass however many requests carried it.
func (r *Result) addUploaded(ids []string) {
	if r.uploaded == nil {
		r.uploaded = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		r.uploaded[id] = struct{}{}
	}
	r.Uploaded = len(r.uploaded)
}

// addErrors keeps one error per entity; a later error replaces an earlier
// one.
func (r *Result) addErrors(errs ...EntityError) {
	for _, e := range errs {
		replaced := false
		for i := range r.Errors {
			if r.Errors[i].EntityID == e.EntityID {
				r.Errors[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			r.Errors = append(r.Errors, e)
		}
	}
}
