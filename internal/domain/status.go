package domain

// JobStatus is a state of the analysis state machine.
type JobStatus string

const (
	JobStatusUploading     JobStatus = "UPLOADING"
	JobStatusUploaded      JobStatus = "UPLOADED"
	JobStatusQueued        JobStatus = "QUEUED"
	JobStatusProcessingASR JobStatus = "PROCESSING_ASR"
	JobStatusASRDone       JobStatus = "ASR_DONE"
	JobStatusAnalyzing     JobStatus = "ANALYZING"
	JobStatusDone          JobStatus = "DONE"
	JobStatusFailed        JobStatus = "FAILED"
)

// transitions lists the legal successors of every non-terminal state.
// FAILED is reachable from each of them; DONE and FAILED have no successors.
var transitions = map[JobStatus][]JobStatus{
	JobStatusUploading:     {JobStatusUploaded, JobStatusFailed},
	JobStatusUploaded:      {JobStatusQueued, JobStatusFailed},
	JobStatusQueued:        {JobStatusProcessingASR, JobStatusASRDone, JobStatusAnalyzing, JobStatusFailed},
	JobStatusProcessingASR: {JobStatusASRDone, JobStatusAnalyzing, JobStatusFailed},
	JobStatusASRDone:       {JobStatusAnalyzing, JobStatusFailed},
	JobStatusAnalyzing:     {JobStatusDone, JobStatusFailed},
}

// rank orders the forward progression; FAILED sits outside it.
var rank = map[JobStatus]int{
	JobStatusUploading:     0,
	JobStatusUploaded:      1,
	JobStatusQueued:        2,
	JobStatusProcessingASR: 3,
	JobStatusASRDone:       4,
	JobStatusAnalyzing:     5,
	JobStatusDone:          6,
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	if s == JobStatusFailed {
		return true
	}
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether s accepts no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Before reports whether s precedes other on the forward path.
// FAILED precedes nothing and follows nothing.
func (s JobStatus) Before(other JobStatus) bool {
	a, okA := rank[s]
	b, okB := rank[other]
	return okA && okB && a < b
}
