package generation

import "time"

// Recorder receives generation metrics.
type Recorder interface {
	ObserveGeneration(code Code, elapsed time.Duration)
	CredentialFailover(provider string)
	RefundIssued(reason string)
}

// CodeSuccess labels successful generations in metrics.
const CodeSuccess Code = "OK"

type nopRecorder struct{}

func (nopRecorder) ObserveGeneration(Code, time.Duration) {}
func (nopRecorder) CredentialFailover(string)             {}
func (nopRecorder) RefundIssued(string)                   {}
