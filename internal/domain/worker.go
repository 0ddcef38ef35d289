package domain

// WorkerState is the busy/idle state of a pool worker
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
)

// Worker is a point-in-time snapshot of a pool worker
type Worker struct {
	ID         string      `json:"id"`
	State      WorkerState `json:"state"`
	CurrentJob string      `json:"current_job,omitempty"`
	Processed  int64       `json:"processed"`
	Failed     int64       `json:"failed"`
}
