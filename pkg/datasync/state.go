package datasync

import "sync"

// State is the lifecycle of the one-shot dataset sync
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// AllStates lists every state, for metrics
var AllStates = []string{string(StateIdle), string(StateSyncing), string(StateSuccess), string(StateFailed)}

// SyncState is the process-wide sync guard. The failed flag lives only in
// memory, so a restart allows another attempt.
type SyncState struct {
	mu                sync.Mutex
	state             State
	syncing           bool
	failedThisSession bool
}

// NewSyncState returns an idle state holder
func NewSyncState() *SyncState {
	return &SyncState{state: StateIdle}
}

// tryBegin flips to syncing unless a sync is running or already failed.
// hasData is evaluated under the lock so concurrent callers see one winner.
func (s *SyncState) tryBegin(hasData func() (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncing || s.failedThisSession {
		return false, nil
	}
	has, err := hasData()
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	s.syncing = true
	s.state = StateSyncing
	return true, nil
}

func (s *SyncState) finish(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncing = false
	if success {
		s.state = StateSuccess
	} else {
		s.state = StateFailed
		s.failedThisSession = true
	}
}

// Current returns the lifecycle state
func (s *SyncState) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSyncing reports whether a sync is in flight
func (s *SyncState) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// HasFailedThisSession reports the sticky failure flag
func (s *SyncState) HasFailedThisSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedThisSession
}

// Reset returns to idle; used by tests and the control CLI
func (s *SyncState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.syncing = false
	s.failedThisSession = false
}
