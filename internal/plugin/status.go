package plugin

// Status is the lifecycle state a plugin instance reports.
//
// Ready and Waiting are both healthy (Waiting = idle between work).
// Failed means startup never completed; Crashed means a running instance
// died. Both feed the reload state machine. Unload is terminal: the manager
// reaps the instance at the end of the tick once no reload is pending.
type Status int

const (
	StatusStarting Status = iota
	StatusReady
	StatusWaiting
	StatusFailed
	StatusCrashed
	StatusUnload
)

var statusNames = map[Status]string{
	StatusStarting: "starting",
	StatusReady:    "ready",
	StatusWaiting:  "waiting",
	StatusFailed:   "failed",
	StatusCrashed:  "crashed",
	StatusUnload:   "unload",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Healthy reports whether the instance is serviceable this tick.
func (s Status) Healthy() bool {
	return s == StatusReady || s == StatusWaiting
}
