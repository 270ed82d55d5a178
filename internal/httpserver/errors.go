package httpserver

const (
	ErrRunInProgress = "run in progress"
	ErrRunFailed     = "run failed"
	ErrNotReady      = "not ready"
)
