package entities

import "time"

// SessionState is the lifecycle state of the upload of one file name.
type SessionState string

const (
	SessionStateEmpty      SessionState = "empty"
	SessionStateInProgress SessionState = "in_progress"
	SessionStateMerging    SessionState = "merging"
	SessionStateDone       SessionState = "done"
	SessionStateRejected   SessionState = "rejected"
)

// CanTransition reports whether the state machine allows moving from s to next.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionStateEmpty:
		return next == SessionStateInProgress
	case SessionStateInProgress:
		return next == SessionStateInProgress || next == SessionStateMerging || next == SessionStateEmpty
	case SessionStateMerging:
		return next == SessionStateDone || next == SessionStateRejected || next == SessionStateInProgress
	case SessionStateDone, SessionStateRejected:
		return next == SessionStateInProgress || next == SessionStateEmpty
	}
	return false
}

// Session is the persisted view of an upload keyed by file name.
type Session struct {
	FileName     string       `json:"fileName"`
	State        SessionState `json:"state"`
	CombinedHash string       `json:"combinedHash,omitempty"`
	Size         int64        `json:"size"`
	Chunks       int          `json:"chunks"`
	LastError    string       `json:"lastError,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// MergeRequest asks the merge engine to assemble fileName.
type MergeRequest struct {
	FileName     string `json:"fileName"`
	CombinedHash string `json:"combinedHash"`
}

// MergeResult describes a published artifact.
type MergeResult struct {
	FileName string `json:"fileName"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
}

// ArtifactInfo describes a published artifact as seen by /existing-file.
type ArtifactInfo struct {
	Exists bool         `json:"exists"`
	Hash   string       `json:"hash"`
	Size   int64        `json:"size"`
	State  SessionState `json:"state"`
}
