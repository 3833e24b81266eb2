// Package batch drives a scoring run: every reference layer in turn is
// measured against the parcels, classified, written and folded into the
// total, with each layer's failure contained to that layer.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/overlay"
	"github.com/sells-group/parcelscore/internal/scoring"
	"github.com/sells-group/parcelscore/internal/store"
)

// Config holds the batch-wide settings.
type Config struct {
	Parcels    string // recorded in the run ledger
	Thresholds scoring.Thresholds
}

// LayerResult is the outcome of scoring one layer.
type LayerResult struct {
	Layer    string
	Source   string
	Parcels  int
	Overlaps int
	Counts   map[scoring.Score]int
	Duration time.Duration
	Err      error
}

// Failed reports whether the layer failed.
func (r LayerResult) Failed() bool { return r.Err != nil }

// Summary is the outcome of a whole run.
type Summary struct {
	RunID  string
	Status model.RunStatus
	Layers []LayerResult
}

// Failed returns the number of failed layers.
func (s *Summary) Failed() int {
	n := 0
	for _, l := range s.Layers {
		if l.Failed() {
			n++
		}
	}
	return n
}

// Runner scores layers one at a time.
type Runner struct {
	engine  overlay.Engine
	scores  store.ScoreStore
	project store.Project
	cfg     Config
	log     *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(engine overlay.Engine, scores store.ScoreStore, project store.Project, cfg Config) (*Runner, error) {
	if engine == nil || scores == nil || project == nil {
		return nil, eris.New("batch: engine, score store and project are required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, eris.Wrap(err, "batch: thresholds")
	}
	return &Runner{
		engine:  engine,
		scores:  scores,
		project: project,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "batch")),
	}, nil
}

// Run scores every layer in order. A failing layer is logged and recorded,
// and the run moves on to the next one. Run only returns an error when the
// parcels themselves cannot be scored or the ledger cannot be written.
func (r *Runner) Run(ctx context.Context, layers []LayerSpec) (*Summary, error) {
	mode := r.cfg.Thresholds.Mode()
	run, err := r.project.CreateRun(ctx, model.Run{
		Parcels: r.cfg.Parcels,
		Engine:  r.engine.Name(),
		Low:     r.cfg.Thresholds.Low,
		High:    r.cfg.Thresholds.High,
		Mode:    string(mode),
	})
	if err != nil {
		return nil, eris.Wrap(err, "batch: create run")
	}
	sum := &Summary{RunID: run.ID}

	log := r.log.With(zap.String("run_id", run.ID))
	log.Info("starting scoring run",
		zap.String("engine", r.engine.Name()),
		zap.String("mode", string(mode)),
		zap.Float64("low", r.cfg.Thresholds.Low),
		zap.Float64("high", r.cfg.Thresholds.High),
		zap.Int("layers", len(layers)),
	)

	ids, err := r.parcels(ctx)
	if err != nil {
		log.Error("parcels cannot be scored", zap.String("kind", overlay.Kind(err)), zap.Error(err))
		sum.Status = model.RunStatusFailed
		r.finish(ctx, log, run.ID, sum.Status)
		return sum, err
	}

	for _, spec := range layers {
		if ctx.Err() != nil {
			log.Warn("run interrupted", zap.Error(ctx.Err()))
			break
		}
		res := r.runLayer(ctx, log, run.ID, ids, spec)
		sum.Layers = append(sum.Layers, res)
	}

	sum.Status = runStatus(sum, len(layers))
	r.finish(ctx, log, run.ID, sum.Status)

	log.Info("scoring run complete",
		zap.String("status", string(sum.Status)),
		zap.Int("layers", len(sum.Layers)),
		zap.Int("failed", sum.Failed()),
	)
	return sum, nil
}

func (r *Runner) parcels(ctx context.Context) ([]string, error) {
	if err := r.engine.CheckParcels(ctx); err != nil {
		return nil, err
	}
	ids, err := r.engine.ParcelIDs(ctx)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Runner) finish(ctx context.Context, log *zap.Logger, runID string, status model.RunStatus) {
	// The ledger is written even when ctx is already cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := r.project.FinishRun(ctx, runID, status); err != nil {
		log.Warn("failed to record run status", zap.Error(err))
	}
	if err := r.project.Save(ctx); err != nil {
		log.Warn("failed to save project", zap.Error(err))
	}
}

func runStatus(sum *Summary, planned int) model.RunStatus {
	failed := sum.Failed()
	switch {
	case failed == 0 && len(sum.Layers) == planned:
		return model.RunStatusComplete
	case planned > 0 && failed == planned:
		return model.RunStatusFailed
	default:
		return model.RunStatusPartial
	}
}

// runLayer scores one layer and records its outcome. Any error, including a
// panic, ends up in the result rather than aborting the run.
func (r *Runner) runLayer(ctx context.Context, runLog *zap.Logger, runID string, ids []string, spec LayerSpec) LayerResult {
	start := time.Now()
	res := LayerResult{Layer: model.LayerName(spec.Source), Source: spec.Source, Parcels: len(ids)}
	if spec.Name != "" {
		res.Layer = spec.Name
	}
	log := runLog.With(zap.String("layer", res.Layer))

	ledger, err := r.project.StartLayer(ctx, runID, res.Layer)
	if err != nil {
		log.Warn("failed to record layer start", zap.Error(err))
	}

	res.Err = r.scoreLayer(ctx, log, ids, spec, &res)
	res.Duration = time.Since(start)

	if res.Err != nil {
		kind := overlay.Kind(res.Err)
		fields := []zap.Field{zap.String("kind", kind), zap.Error(res.Err)}
		if kind == "unexpected" {
			fields = append(fields, zap.String("trace", eris.ToString(res.Err, true)))
		}
		log.Error("layer failed", fields...)
	} else {
		log.Info(fmt.Sprintf("Completed %s", res.Layer),
			zap.Int("overlaps", res.Overlaps),
			zap.Duration("duration", res.Duration),
		)
	}

	ctx = context.WithoutCancel(ctx)
	if ledger != nil {
		outcome := model.LayerOutcome{Parcels: res.Parcels, Overlaps: res.Overlaps, Err: res.Err}
		if err := r.project.FinishLayer(ctx, ledger.ID, outcome); err != nil {
			log.Warn("failed to record layer outcome", zap.Error(err))
		}
	}
	if err := r.project.Save(ctx); err != nil {
		log.Warn("failed to save project", zap.Error(err))
	}
	return res
}

func (r *Runner) scoreLayer(ctx context.Context, log *zap.Logger, ids []string, spec LayerSpec, res *LayerResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("batch: panic scoring layer %s: %v", res.Layer, p)
		}
	}()

	log.Info("selecting layer", zap.String("source", spec.Source))
	layer, err := r.engine.Describe(ctx, spec.Source)
	if err != nil {
		return err
	}
	layer.Name = res.Layer
	if err := overlay.CheckLayer(layer); err != nil {
		return err
	}

	mode := r.cfg.Thresholds.Mode()
	entry := scoring.NewEntry(layer, mode)
	if err := r.checkFields(ctx, entry); err != nil {
		return err
	}
	var scores []scoring.ParcelScore

	log.Info("scoring layer", zap.String("mode", string(mode)), zap.String("shape_type", string(layer.ShapeType)))
	switch mode {
	case scoring.ModePresence:
		hits, err := r.engine.Intersects(ctx, layer)
		if err != nil {
			return err
		}
		res.Overlaps = len(hits)
		scores = scoring.ScorePresence(ids, hits)
	default:
		log.Info("calculating geometry", zap.String("unit", string(layer.ShapeType.Unit())))
		measures, err := r.engine.Measure(ctx, layer)
		if err != nil {
			return err
		}
		res.Overlaps = len(measures)
		scores = scoring.ScoreMagnitude(ids, measures, r.cfg.Thresholds)
	}
	res.Counts = scoring.Counts(scores)

	log.Info("joining scores",
		zap.Int("score_0", res.Counts[0]),
		zap.Int("score_1", res.Counts[1]),
		zap.Int("score_2", res.Counts[2]),
	)

	log.Info("updating total score")
	n, err := r.scores.WriteLayer(ctx, store.LayerScores{Entry: entry, Scores: scores})
	if err != nil {
		return overlay.NewEngineError(layer.Name, "write", err)
	}
	log.Debug("total score updated", zap.Int("parcels", n))
	return nil
}

// checkFields rejects a layer whose fields cannot be stored before any
// geometry is measured.
func (r *Runner) checkFields(ctx context.Context, entry scoring.Entry) error {
	reg, err := r.scores.Registry(ctx)
	if err != nil {
		return overlay.NewEngineError(entry.Layer, "registry", err)
	}
	if err := reg.CheckFields(entry); err != nil {
		return overlay.Preconditionf(entry.Layer, "%v", err)
	}
	return nil
}
