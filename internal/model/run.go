package model

import "time"

// RunStatus represents the current state of a scoring run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial" // at least one layer failed
	RunStatusFailed   RunStatus = "failed"
)

// LayerStatus represents the outcome of one layer within a run.
type LayerStatus string

const (
	LayerStatusRunning  LayerStatus = "running"
	LayerStatusComplete LayerStatus = "complete"
	LayerStatusFailed   LayerStatus = "failed"
)

// Run is a single batch invocation against a parcel dataset.
type Run struct {
	ID        string    `json:"id"`
	Parcels   string    `json:"parcels"`
	Engine    string    `json:"engine"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	Mode      string    `json:"mode"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunLayer records what happened to one reference layer during a run.
type RunLayer struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Layer      string      `json:"layer"`
	Status     LayerStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	Parcels    int         `json:"parcels"`
	Overlaps   int         `json:"overlaps"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// LayerOutcome is the result handed back to the batch ledger once a layer finishes.
type LayerOutcome struct {
	Parcels  int
	Overlaps int
	Err      error
}
