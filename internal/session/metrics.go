package session

// Metrics receives session events. A nil Metrics in Deps disables them.
type Metrics interface {
	SessionStarted()
	SessionStopped(reason string)
	SampleAccepted()
	SampleDropped(reason string)
	ValidationFailed()
	PassagesRecorded(observed, inferred int)
	StoreWriteFailed(op string)
	ConsensusRiders(tripID string, n int)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()             {}
func (nopMetrics) SessionStopped(string)       {}
func (nopMetrics) SampleAccepted()             {}
func (nopMetrics) SampleDropped(string)        {}
func (nopMetrics) ValidationFailed()           {}
func (nopMetrics) PassagesRecorded(int, int)   {}
func (nopMetrics) StoreWriteFailed(string)     {}
func (nopMetrics) ConsensusRiders(string, int) {}
