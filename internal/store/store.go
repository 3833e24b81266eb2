// Package store persists layer scores and the run ledger.
//
// A ScoreStore holds the per-parcel score table: one score field per
// registered layer, an optional measurement field and the derived
// Total_Score. The Project is the run ledger saved after every layer.
package store

import (
	"context"

	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/scoring"
)

// LayerScores is one classified layer, ready to write.
type LayerScores struct {
	Entry  scoring.Entry
	Scores []scoring.ParcelScore
}

// ScoreStore persists layer scores for one parcel dataset.
type ScoreStore interface {
	// WriteLayer creates the layer's fields on first encounter, overwrites
	// every parcel's score (and measurement), registers the layer and
	// recomputes Total_Score, all in one transaction: a failed write leaves
	// neither the layer's scores nor a stale total behind. It rejects a layer
	// whose fields belong to another registered layer and returns the number
	// of parcels totalled.
	WriteLayer(ctx context.Context, ls LayerScores) (int, error)

	// RecomputeTotals sets Total_Score on every parcel to the sum of the
	// registered score fields and returns the number of parcels updated.
	RecomputeTotals(ctx context.Context) (int, error)

	// Registry returns the registered layers in registration order.
	Registry(ctx context.Context) (*scoring.Registry, error)

	// LoadTable returns every parcel's registered fields with totals computed.
	LoadTable(ctx context.Context) (*scoring.Table, *scoring.Registry, error)

	Close() error
}

// Project is the run ledger. Save flushes it to durable storage.
type Project interface {
	CreateRun(ctx context.Context, run model.Run) (*model.Run, error)
	StartLayer(ctx context.Context, runID, layer string) (*model.RunLayer, error)
	FinishLayer(ctx context.Context, layerID string, outcome model.LayerOutcome) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	ListRunLayers(ctx context.Context, runID string) ([]model.RunLayer, error)
	Save(ctx context.Context) error
}
