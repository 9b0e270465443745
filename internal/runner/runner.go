// Package runner wires a dataset, model, optimizer, loss, and metrics
// into a pair of training/evaluation engines and attaches the
// cross-cutting handlers: event logging, checkpointing, early stopping,
// NaN termination, experiment tracking, and notifications.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gradflow/internal/checkpoint"
	"gradflow/internal/config"
	"gradflow/internal/dataset"
	"gradflow/internal/engine"
	"gradflow/internal/eventlog"
	"gradflow/internal/loss"
	"gradflow/internal/metrics"
	"gradflow/internal/model"
	"gradflow/internal/monitor"
	"gradflow/internal/notify"
	"gradflow/internal/optim"
	"gradflow/internal/tracking"
)

// epochStats tracks the running averages for one engine's current epoch.
type epochStats struct {
	loss     *metrics.RunningAverage
	metrics  *metrics.Set
	lastStep time.Time // end of the previous process call
}

func newEpochStats(names []string) *epochStats {
	return &epochStats{
		loss:    &metrics.RunningAverage{},
		metrics: metrics.NewSet(names),
	}
}

func (s *epochStats) reset() {
	s.loss.Reset()
	s.metrics.Reset()
	s.lastStep = time.Time{}
}

// Runner owns the model, optimizer, loss, metric, and engine instances
// for one experiment.
type Runner struct {
	cfg    *config.Config
	logger logrus.FieldLogger
	runID  string

	mdl       model.Model
	opt       optim.Optimizer
	lossFn    loss.Loss
	reg       *loss.Regularizer
	metricFns map[string]loss.Metric

	trainLoader *dataset.Loader
	valLoader   *dataset.Loader
	testLoader  *dataset.Loader

	trainer   *engine.Engine
	evaluator *engine.Engine
	stopper   *engine.EarlyStopping
	saver     *checkpoint.Saver
	events    *eventlog.Writer
	store     tracking.Store
	webhook   *notify.Webhook

	trainStats *epochStats
	evalStats  *epochStats
	window     metrics.Window

	runCtx     context.Context
	handlerErr error
	nanSeen    bool
	evalSplit  string

	mu                sync.RWMutex
	lastVal           map[string]float64
	snapshotEpoch     int
	snapshotMax       int
	snapshotIter      int
	snapshotTrainLoss float64
}

// New builds a runner from the experiment configuration.
func New(cfg *config.Config, store tracking.Store, logger logrus.FieldLogger) (*Runner, error) {
	splits, err := dataset.LoadCSV(cfg.Data.Path, cfg.Data.NumWorkers)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	inputSize := cfg.Model.InputSize
	if inputSize <= 0 {
		inputSize = splits.FeatureDim()
	}
	if dim := splits.FeatureDim(); dim != inputSize {
		return nil, fmt.Errorf("model.input_size is %d but corpus has %d features", inputSize, dim)
	}

	maskIndex := cfg.Loss.MaskIndexOrDefault()
	if err := splits.CheckLabels(cfg.Model.NumClasses, maskIndex); err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	var mdl model.Model
	switch cfg.Model.Type {
	case "mlp":
		mdl = model.NewMLP(inputSize, cfg.Model.HiddenSize, cfg.Model.NumClasses, cfg.Model.Dropout, cfg.Data.Seed)
	case "perceptron":
		mdl = model.NewPerceptron(inputSize, cfg.Model.NumClasses, cfg.Data.Seed)
	default:
		return nil, fmt.Errorf("unknown model type %q", cfg.Model.Type)
	}

	startEpoch := 0
	if cfg.Resume != "" {
		startEpoch, err = checkpoint.Load(cfg.Resume, mdl.Params())
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"checkpoint": cfg.Resume,
			"epoch":      startEpoch,
		}).Info("resumed model weights")
	}

	opt, err := optim.ByName(cfg.Optimizer.Type, optim.Options{
		LR:          cfg.Optimizer.LR,
		Momentum:    cfg.Optimizer.Momentum,
		WeightDecay: cfg.Optimizer.WeightDecay,
	})
	if err != nil {
		return nil, err
	}

	lossFn, err := loss.ByName(cfg.Loss.Type, maskIndex)
	if err != nil {
		return nil, err
	}

	metricFns := make(map[string]loss.Metric, len(cfg.Metrics))
	for _, name := range cfg.Metrics {
		fn, err := loss.MetricByName(name, maskIndex)
		if err != nil {
			return nil, err
		}
		metricFns[name] = fn
	}

	var reg *loss.Regularizer
	if cfg.Regularizer != nil {
		reg, err = loss.NewRegularizer(cfg.Regularizer.Type, cfg.Regularizer.Alpha)
		if err != nil {
			return nil, err
		}
	}

	r := &Runner{
		cfg:        cfg,
		logger:     logger.WithField("experiment", cfg.Experiment),
		runID:      tracking.NewRunID(),
		mdl:        mdl,
		opt:        opt,
		lossFn:     lossFn,
		reg:        reg,
		metricFns:  metricFns,
		store:      store,
		webhook:    notify.NewWebhook(cfg.WebhookURL),
		trainStats: newEpochStats(cfg.Metrics),
		evalStats:  newEpochStats(cfg.Metrics),
		lastVal:    make(map[string]float64),
	}

	r.trainLoader = dataset.NewLoader(splits.Train, cfg.Data.BatchSize, cfg.Data.Seed, true)
	r.valLoader = dataset.NewLoader(splits.Val, cfg.Data.BatchSize, cfg.Data.Seed, false)
	r.testLoader = dataset.NewLoader(splits.Test, cfg.Data.BatchSize, cfg.Data.Seed, false)

	r.trainer = engine.New("trainer", r.process(r.trainStats, true), logger)
	r.evaluator = engine.New("evaluator", r.process(r.evalStats, false), logger)

	if cfg.Checkpoint.Dir != "" {
		r.saver = &checkpoint.Saver{
			Dir:      cfg.Checkpoint.Dir,
			Prefix:   cfg.Checkpoint.Prefix,
			Interval: cfg.Checkpoint.SaveInterval,
			Keep:     cfg.Checkpoint.Keep,
		}
	}
	if cfg.Logs != "" {
		r.events, err = eventlog.NewWriter(cfg.Logs, r.runID)
		if err != nil {
			return nil, err
		}
	}

	r.stopper = engine.NewEarlyStopping(cfg.EarlyStopping.Patience, func(s *engine.State) float64 {
		return -s.Metrics["loss"]
	}, r.trainer, r.logger)

	r.attach()
	return r, nil
}

// RunID returns the tracking identifier for this run.
func (r *Runner) RunID() string { return r.runID }

// process builds the engine process function. computeGradient selects
// between a training update and an evaluation pass.
func (r *Runner) process(stats *epochStats, computeGradient bool) engine.Process {
	return func(ctx context.Context, batch model.Batch) (float64, error) {
		start := time.Now()
		params := r.mdl.Params()
		r.mdl.Train(computeGradient)
		if computeGradient {
			model.ZeroGrad(params)
		}

		logits := r.mdl.Forward(batch.Inputs)
		lossVal, grad := r.lossFn.Compute(logits, batch.Targets)

		// The penalty inflates the reported loss but stays out of the
		// backward pass.
		penalty := 0.0
		if r.reg != nil {
			penalty = r.reg.Penalty(params)
		}
		lossBatch := lossVal + penalty
		stats.loss.Add(lossBatch)

		if computeGradient {
			r.mdl.Backward(batch.Inputs, grad)
			if r.cfg.GradientClipping > 0 {
				optim.ClipNorm(params, r.cfg.GradientClipping)
			}
			r.opt.Step(params)
			// Time spent between process calls is batch fetch time.
			var dataTime time.Duration
			if !stats.lastStep.IsZero() {
				dataTime = start.Sub(stats.lastStep)
			}
			r.window.Record(batch.Size(), dataTime, time.Since(start), lossBatch)
			monitor.ObserveIteration(time.Since(start))
		}

		for name, fn := range r.metricFns {
			stats.metrics.Add(name, fn(logits, batch.Targets))
		}
		stats.lastStep = time.Now()
		return lossBatch, nil
	}
}

// attach registers the event handlers on both engines.
func (r *Runner) attach() {
	log := r.logger

	r.trainer.On(engine.EpochStarted, func(e *engine.Engine) {
		r.trainStats.reset()
		if r.events != nil {
			r.events.Scalar("training/lr", e.State().Iteration, r.opt.LearningRate())
		}
	})

	r.trainer.On(engine.IterationCompleted, func(e *engine.Engine) {
		st := e.State()
		if r.events != nil {
			r.events.Scalar("training/loss", st.Iteration, st.Output)
			r.events.Scalar("training/weight_norm", st.Iteration, optim.ParamNorm(r.mdl.Params()))
			r.events.Scalar("training/grad_norm", st.Iteration, optim.GradNorm(r.mdl.Params()))
		}
		monitor.SetTrainLoss(r.trainStats.loss.Value())
		r.setSnapshot(st)

		if st.Iteration%r.cfg.LogEvery == 0 {
			snap := r.window.Snapshot()
			log.WithFields(logrus.Fields{
				"epoch":           st.Epoch,
				"iteration":       st.Iteration,
				"loss":            snap.LastLoss,
				"running_loss":    r.trainStats.loss.Value(),
				"samples_per_sec": snap.SamplesPerSec,
				"avg_data_ms":     snap.AvgDataMS,
				"avg_compute_ms":  snap.AvgComputeMS,
			}).Info("training progress")
		}
	})

	// Terminate if NaNs are created during an iteration.
	nanHandler := engine.TerminateOnNaN(log)
	r.trainer.On(engine.IterationCompleted, func(e *engine.Engine) {
		out := e.State().Output
		if math.IsNaN(out) || math.IsInf(out, 0) {
			r.nanSeen = true
		}
		nanHandler(e)
	})

	r.trainer.On(engine.EpochCompleted, func(e *engine.Engine) {
		st := e.State()
		monitor.ObserveEpoch()

		if r.events != nil {
			for _, p := range r.mdl.Params() {
				r.events.Histogram("weights/"+p.Name, st.Epoch, p.Value.RawMatrix().Data)
				r.events.Histogram("grads/"+p.Name, st.Epoch, p.Grad.RawMatrix().Data)
			}
		}

		rec := &tracking.EpochRecord{
			RunID:   r.runID,
			Epoch:   st.Epoch,
			Split:   dataset.SplitTrain,
			Loss:    r.trainStats.loss.Value(),
			Metrics: r.trainStats.metrics.Values(),
		}
		if err := r.store.AppendEpoch(r.runCtx, rec); err != nil {
			log.WithError(err).Error("failed to record training epoch")
		}

		if r.valLoader.NumSamples() > 0 {
			if err := r.evaluate(st.Epoch, dataset.SplitVal, r.valLoader); err != nil {
				r.handlerErr = err
				e.Terminate()
				return
			}
		}

		if r.saver.ShouldSave(st.Epoch) {
			path, err := r.saver.Save(st.Epoch, r.mdl.Params())
			if err != nil {
				log.WithError(err).Error("failed to save checkpoint")
			} else {
				log.WithField("path", path).Info("checkpoint saved")
			}
		}
	})

	r.trainer.On(engine.Completed, func(*engine.Engine) {
		log.Info("training completed")
	})

	r.evaluator.On(engine.EpochStarted, func(*engine.Engine) {
		r.evalStats.reset()
	})

	r.evaluator.On(engine.EpochCompleted, func(e *engine.Engine) {
		st := e.State()
		st.Metrics["loss"] = r.evalStats.loss.Value()
		for name, v := range r.evalStats.metrics.Values() {
			st.Metrics[name] = v
		}
	})

	// Only validation scores feed the patience counter.
	stopperHandler := r.stopper.Handler()
	r.evaluator.On(engine.Completed, func(e *engine.Engine) {
		if r.evalSplit != dataset.SplitVal {
			return
		}
		stopperHandler(e)
	})
}

// evaluate runs the evaluator for one epoch over a loader and records
// the results under the given split.
func (r *Runner) evaluate(epoch int, split string, loader *dataset.Loader) error {
	r.evalSplit = split
	state, err := r.evaluator.Run(r.runCtx, loader, 1)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", split, err)
	}

	vals := make(map[string]float64, len(state.Metrics))
	for name, v := range state.Metrics {
		vals[name] = v
		if name != "loss" {
			monitor.SetValidationMetric(name, v)
		}
	}
	monitor.SetValidationMetric("loss", state.Metrics["loss"])

	if r.events != nil {
		for name, v := range vals {
			r.events.Scalar(split+"/"+name, epoch, v)
		}
	}

	r.mu.Lock()
	r.lastVal = vals
	r.mu.Unlock()

	rec := &tracking.EpochRecord{
		RunID:   r.runID,
		Epoch:   epoch,
		Split:   split,
		Loss:    state.Metrics["loss"],
		Metrics: vals,
	}
	if err := r.store.AppendEpoch(r.runCtx, rec); err != nil {
		r.logger.WithError(err).Error("failed to record evaluation epoch")
	}

	r.logger.WithFields(logrus.Fields{
		"epoch": epoch,
		"split": split,
		"loss":  state.Metrics["loss"],
	}).Info("evaluation finished")
	return nil
}

// Run executes the full pipeline: train with per-epoch validation, then
// evaluate the test split, finalizing the tracking record and sending
// the completion notification.
func (r *Runner) Run(ctx context.Context) (err error) {
	start := time.Now()
	r.runCtx = ctx
	defer func() {
		if r.events != nil {
			r.events.Close()
		}
	}()

	cfgJSON, jerr := json.Marshal(r.cfg)
	if jerr != nil {
		return fmt.Errorf("marshal config: %w", jerr)
	}
	run := &tracking.Run{
		ID:         r.runID,
		Experiment: r.cfg.Experiment,
		Status:     tracking.StatusPending,
		Config:     cfgJSON,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if err := r.store.UpdateRunStatus(ctx, r.runID, tracking.StatusRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	r.notify(notify.Payload{
		RunID:      r.runID,
		Experiment: r.cfg.Experiment,
		Phase:      notify.PhaseStarted,
	})

	_, err = r.trainer.Run(ctx, r.trainLoader, r.cfg.Epochs)
	if err == nil {
		err = r.handlerErr
	}
	if err != nil {
		r.finish(tracking.StatusFailed, err.Error())
		r.notify(notify.Payload{
			RunID:      r.runID,
			Experiment: r.cfg.Experiment,
			Phase:      notify.PhaseFailed,
			DurationS:  time.Since(start).Seconds(),
			Error:      err.Error(),
		})
		return err
	}

	if r.testLoader.NumSamples() > 0 && !r.nanSeen {
		if err := r.evaluate(r.trainer.State().Epoch, dataset.SplitTest, r.testLoader); err != nil {
			r.finish(tracking.StatusFailed, err.Error())
			return err
		}
	}

	status := tracking.StatusCompleted
	if r.nanSeen {
		status = tracking.StatusStopped
	}
	r.finish(status, "")

	r.mu.RLock()
	final := make(map[string]float64, len(r.lastVal))
	for name, v := range r.lastVal {
		final[name] = v
	}
	r.mu.RUnlock()

	r.notify(notify.Payload{
		RunID:      r.runID,
		Experiment: r.cfg.Experiment,
		Phase:      notify.PhaseCompleted,
		DurationS:  time.Since(start).Seconds(),
		Metrics:    final,
	})
	return nil
}

func (r *Runner) finish(status, errMsg string) {
	run := &tracking.Run{
		ID:     r.runID,
		Status: status,
		Error:  errMsg,
	}
	if best, ok := r.stopper.Best(); ok {
		run.BestScore = &best
	} else {
		r.mu.RLock()
		if lossVal, ok := r.lastVal["loss"]; ok {
			best := -lossVal
			run.BestScore = &best
		}
		r.mu.RUnlock()
	}

	if err := r.store.FinishRun(context.Background(), run); err != nil {
		r.logger.WithError(err).Error("failed to finalize run")
	}
}

func (r *Runner) notify(p notify.Payload) {
	if !r.webhook.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.webhook.Send(ctx, p); err != nil {
		r.logger.WithError(err).Warn("notification failed")
	}
}

func (r *Runner) setSnapshot(st *engine.State) {
	r.mu.Lock()
	r.snapshotEpoch = st.Epoch
	r.snapshotIter = st.Iteration
	r.snapshotMax = st.MaxEpochs
	r.snapshotTrainLoss = r.trainStats.loss.Value()
	r.mu.Unlock()
}

// Status returns a live snapshot for the monitor endpoint.
func (r *Runner) Status() monitor.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val := make(map[string]float64, len(r.lastVal))
	for name, v := range r.lastVal {
		val[name] = v
	}
	return monitor.Status{
		RunID:      r.runID,
		Experiment: r.cfg.Experiment,
		Epoch:      r.snapshotEpoch,
		MaxEpochs:  r.snapshotMax,
		Iteration:  r.snapshotIter,
		TrainLoss:  r.snapshotTrainLoss,
		Validation: val,
	}
}
