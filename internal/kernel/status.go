package kernel

// Status is the execution state of a kernel or session.
type Status string

// Kernel states, as reported by iopub status messages.
const (
	StatusUnknown    Status = "unknown"
	StatusStarting   Status = "starting"
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusRestarting Status = "restarting"
	StatusDead       Status = "dead"
)

// Session-level states that a kernel never reports itself.
const (
	StatusNotStarted   Status = "not_started"
	StatusTerminating  Status = "terminating"
	StatusDisconnected Status = "disconnected"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusDead || s == StatusDisconnected
}

func parseStatus(v string) Status {
	switch Status(v) {
	case StatusStarting, StatusIdle, StatusBusy, StatusRestarting, StatusDead:
		return Status(v)
	}
	return StatusUnknown
}
