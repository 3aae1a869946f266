package hypertune

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

//////
// Options.
//////

// Option configures a Tuner.
type Option func(*Tuner)

// WithStore persists trials, oracle state and checkpoints in s.
func WithStore(s Store) Option {
	return func(t *Tuner) { t.store = s }
}

// WithProjectName sets the project name used as the storage key. Defaults to
// "untitled_project".
func WithProjectName(name string) Option {
	return func(t *Tuner) { t.project = name }
}

// WithExecutionsPerTrial trains each trial n times and averages the
// metrics.
func WithExecutionsPerTrial(n int) Option {
	return func(t *Tuner) { t.executions = n }
}

// WithWorkers runs n trials concurrently.
func WithWorkers(n int) Option {
	return func(t *Tuner) { t.workers = n }
}

// WithProgress sends progress updates to ch. Updates are dropped when the
// channel is full.
func WithProgress(ch chan<- ProgressUpdate) Option {
	return func(t *Tuner) { t.progress = ch }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tuner) { t.logger = l }
}

// WithOverwrite discards any stored state of the project instead of
// resuming it.
func WithOverwrite(overwrite bool) Option {
	return func(t *Tuner) { t.overwrite = overwrite }
}

// WithIdleWait sets how long a worker waits when the oracle is IDLE.
func WithIdleWait(d time.Duration) Option {
	return func(t *Tuner) { t.idleWait = d }
}

//////
// Tuner.
//////

// SearchConfig holds the arguments of Search.
type SearchConfig struct {
	// Epochs is the fit budget for oracles that don't set tuner/epochs.
	Epochs int

	// Callbacks are passed to every fit. Stateful callbacks should implement
	// Cloner.
	Callbacks []Callback
}

// Tuner drives a search: it asks the oracle for trials, builds and fits
// models with the HyperModel and reports the results back.
type Tuner struct {
	oracle     Oracle
	hypermodel HyperModel
	store      Store
	project    string
	executions int
	workers    int
	progress   chan<- ProgressUpdate
	logger     *slog.Logger
	overwrite  bool
	idleWait   time.Duration

	// persistMu serializes store writes so that the saved oracle state is
	// never older than the saved trials.
	persistMu sync.Mutex
}

// New returns a Tuner. When a store holds a previous search for the same
// project, it is resumed unless WithOverwrite(true) is given. The HyperModel
// is called once to register the search space.
//
// Usage example:
//
//	oracle, _ := NewHyperband(HyperbandConfig{...})
//	tuner, err := New(ctx, oracle, buildModel,
//	    WithStore(store),
//	    WithProjectName("intro_to_kt"),
//	)
//	if err != nil {
//	    return err
//	}
//	err = tuner.Search(ctx, SearchConfig{Epochs: 50, Callbacks: []Callback{stopEarly}})
func New(ctx context.Context, oracle Oracle, hm HyperModel, opts ...Option) (*Tuner, error) {
	if oracle == nil || hm == nil {
		return nil, fmt.Errorf("%w: oracle and hypermodel are required", ErrInvalidConfig)
	}

	t := &Tuner{
		oracle:     oracle,
		hypermodel: hm,
		project:    "untitled_project",
		executions: 1,
		workers:    1,
		logger:     slog.Default(),
		idleWait:   100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.executions <= 0 || t.workers <= 0 {
		return nil, fmt.Errorf("%w: executions per trial and workers must be > 0", ErrInvalidConfig)
	}

	if err := t.reload(ctx); err != nil {
		return nil, err
	}

	hp := NewHyperParameters()
	if _, err := hm(hp); err != nil {
		return nil, fmt.Errorf("build model with default hyperparameters: %w", err)
	}

	if err := hp.Err(); err != nil {
		return nil, err
	}

	oracle.UpdateSpace(hp.Space())

	return t, nil
}

func (t *Tuner) reload(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	if t.overwrite {
		if err := t.store.Reset(ctx, t.project); err != nil {
			return fmt.Errorf("reset project %s: %w", t.project, err)
		}

		return nil
	}

	state, err := t.store.LoadOracleState(ctx, t.project)
	if err != nil {
		return fmt.Errorf("load oracle state: %w", err)
	}

	if state == nil {
		return nil
	}

	trials, err := t.store.LoadTrials(ctx, t.project)
	if err != nil {
		return fmt.Errorf("load trials: %w", err)
	}

	if err := t.oracle.Restore(*state, trials); err != nil {
		return fmt.Errorf("restore oracle: %w", err)
	}

	t.logger.Info("reloaded project", "project", t.project, "trials", len(trials))

	return nil
}

// Oracle returns the tuner's oracle.
func (t *Tuner) Oracle() Oracle {
	return t.oracle
}

// Search runs trials until the oracle stops or ctx is done. Failing trials
// are marked INVALID and don't stop the search.
func (t *Tuner) Search(ctx context.Context, cfg SearchConfig) error {
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < t.workers; w++ {
		tunerID := fmt.Sprintf("tuner%d", w)

		g.Go(func() error {
			return t.work(ctx, tunerID, cfg)
		})
	}

	err := g.Wait()

	t.sendProgress(ProgressUpdate{Phase: "SearchDone", Bracket: -1, Round: -1})

	return err
}

func (t *Tuner) work(ctx context.Context, tunerID string, cfg SearchConfig) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		trial, err := t.oracle.CreateTrial(tunerID)
		if err != nil {
			return fmt.Errorf("create trial: %w", err)
		}

		switch trial.Status {
		case TrialStopped:
			t.logger.Debug("oracle stopped", "tuner", tunerID)
			return nil
		case TrialIdle:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.idleWait):
			}

			continue
		}

		if err := t.runTrial(ctx, trial, cfg); err != nil {
			return err
		}
	}
}

// runTrial fits the trial and ends it. It only returns an error when the
// search must stop.
func (t *Tuner) runTrial(ctx context.Context, trial *Trial, cfg SearchConfig) error {
	if err := t.persist(ctx, trial); err != nil {
		return err
	}

	t.sendProgress(ProgressUpdate{
		Phase:   "TrialStarted",
		TrialID: trial.ID,
		Values:  trial.Values.Copy(),
		Bracket: trial.Bracket(),
		Round:   trial.Round(),
	})

	t.logger.Info("trial started", "trial", trial.ID, "values", publicValues(trial.Values))

	histories, model, err := t.execute(ctx, trial, cfg)
	if err != nil {
		if ctx.Err() != nil {
			_, _ = t.oracle.EndTrial(trial.ID, TrialInvalid, "interrupted")
			return ctx.Err()
		}

		t.logger.Warn("trial failed", "trial", trial.ID, "error", err)

		return t.finish(ctx, trial.ID, TrialInvalid, err.Error())
	}

	for _, step := range averageHistories(histories) {
		if err := t.oracle.UpdateTrial(trial.ID, step.logs, step.epoch); err != nil {
			return fmt.Errorf("report trial %s: %w", trial.ID, err)
		}
	}

	if cp, ok := model.(Checkpointer); ok && t.store != nil {
		var buf bytes.Buffer
		if err := cp.SaveCheckpoint(&buf); err != nil {
			t.logger.Warn("save checkpoint", "trial", trial.ID, "error", err)
		} else if err := t.store.SaveCheckpoint(ctx, t.project, trial.ID, buf.Bytes()); err != nil {
			return fmt.Errorf("store checkpoint of trial %s: %w", trial.ID, err)
		}
	}

	return t.finish(ctx, trial.ID, TrialCompleted, "")
}

func (t *Tuner) execute(ctx context.Context, trial *Trial, cfg SearchConfig) ([]History, Model, error) {
	hp := newHyperParametersFrom(t.oracle.Space(), trial.Values)

	epochs := cfg.Epochs
	if _, ok := hp.Get(KeyEpochs); ok {
		epochs = hp.GetInt(KeyEpochs)
	}

	fitCfg := FitConfig{
		Epochs:       epochs,
		InitialEpoch: hp.GetInt(KeyInitialEpoch),
	}

	var (
		histories []History
		model     Model
	)

	for i := 0; i < t.executions; i++ {
		m, err := t.hypermodel(hp)
		if err != nil {
			return nil, nil, fmt.Errorf("build model: %w", err)
		}

		if m == nil {
			return nil, nil, ErrNilModel
		}

		if err := hp.Err(); err != nil {
			return nil, nil, err
		}

		t.oracle.UpdateSpace(hp.Space())

		if parent := hp.GetString(KeyTrialID); parent != "" {
			t.warmStart(ctx, m, parent)
		}

		fitCfg.Callbacks = cloneCallbacks(cfg.Callbacks)

		h, err := m.Fit(ctx, fitCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("fit model: %w", err)
		}

		histories = append(histories, h)
		model = m
	}

	return histories, model, nil
}

// warmStart loads the weights of the parent trial when both the model and
// the store support it. A missing checkpoint means training from scratch.
func (t *Tuner) warmStart(ctx context.Context, m Model, parent string) {
	cp, ok := m.(Checkpointer)
	if !ok || t.store == nil {
		return
	}

	data, err := t.store.LoadCheckpoint(ctx, t.project, parent)
	if err != nil {
		if !errors.Is(err, ErrNoCheckpoint) {
			t.logger.Warn("load checkpoint", "trial", parent, "error", err)
		}

		return
	}

	if err := cp.LoadCheckpoint(bytes.NewReader(data)); err != nil {
		t.logger.Warn("restore checkpoint", "trial", parent, "error", err)
	}
}

func (t *Tuner) finish(ctx context.Context, trialID string, status TrialStatus, message string) error {
	trial, err := t.oracle.EndTrial(trialID, status, message)
	if err != nil {
		return fmt.Errorf("end trial %s: %w", trialID, err)
	}

	if err := t.persist(ctx, trial); err != nil {
		return err
	}

	update := ProgressUpdate{
		Phase:           "TrialCompleted",
		TrialID:         trial.ID,
		Values:          trial.Values.Copy(),
		Score:           trial.Score,
		Bracket:         trial.Bracket(),
		Round:           trial.Round(),
		CompletedTrials: t.countFinished(),
	}

	if trial.Status == TrialInvalid {
		update.Phase = "TrialInvalid"
	}

	if best := t.oracle.BestTrials(1); len(best) > 0 {
		update.BestTrialID = best[0].ID
		update.BestScore = best[0].Score
	}

	t.sendProgress(update)

	t.logger.Info("trial finished",
		"trial", trial.ID,
		"status", trial.Status,
		"score", trial.Score,
		"best_trial", update.BestTrialID,
		"best_score", update.BestScore,
	)

	return nil
}

func (t *Tuner) persist(ctx context.Context, trial *Trial) error {
	if t.store == nil {
		return nil
	}

	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	if err := t.store.SaveTrial(ctx, t.project, trial); err != nil {
		return fmt.Errorf("store trial %s: %w", trial.ID, err)
	}

	state, err := t.oracle.State()
	if err != nil {
		return err
	}

	if err := t.store.SaveOracleState(ctx, t.project, state); err != nil {
		return fmt.Errorf("store oracle state: %w", err)
	}

	return nil
}

func (t *Tuner) countFinished() int {
	n := 0
	for _, tr := range t.oracle.Trials() {
		if tr.Status.Finished() {
			n++
		}
	}

	return n
}

func (t *Tuner) sendProgress(update ProgressUpdate) {
	if t.progress == nil {
		return
	}

	select {
	case t.progress <- update:
	default:
		// Skip update if channel is full.
	}
}

//////
// Results.
//////

// BestTrials returns up to n completed trials, best first.
func (t *Tuner) BestTrials(n int) []*Trial {
	return t.oracle.BestTrials(n)
}

// BestHyperParameters returns the hyperparameters of up to n best trials.
func (t *Tuner) BestHyperParameters(n int) ([]*HyperParameters, error) {
	best := t.oracle.BestTrials(n)
	if len(best) == 0 {
		return nil, ErrNoCompletedTrials
	}

	space := t.oracle.Space()

	out := make([]*HyperParameters, len(best))
	for i, tr := range best {
		out[i] = newHyperParametersFrom(space, tr.Values)
	}

	return out, nil
}

// BestModels rebuilds the models of up to n best trials, restoring their
// checkpoints when available.
func (t *Tuner) BestModels(ctx context.Context, n int) ([]Model, error) {
	hps, err := t.BestHyperParameters(n)
	if err != nil {
		return nil, err
	}

	best := t.oracle.BestTrials(n)

	models := make([]Model, len(hps))
	for i, hp := range hps {
		m, err := t.hypermodel(hp)
		if err != nil {
			return nil, fmt.Errorf("build model of trial %s: %w", best[i].ID, err)
		}

		t.warmStart(ctx, m, best[i].ID)
		models[i] = m
	}

	return models, nil
}

// SearchSpaceSummary writes the registered hyperparameters to w.
func (t *Tuner) SearchSpaceSummary(w io.Writer) error {
	space := t.oracle.Space()

	var b strings.Builder
	fmt.Fprintln(&b, "Search space summary")
	fmt.Fprintf(&b, "Default search space size: %d\n", len(space))

	for _, p := range space {
		fmt.Fprintf(&b, "%s (%s)\n", p.Name, p.Kind)
		fmt.Fprintln(&b, p.Describe())
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// ResultsSummary writes the n best trials to w.
func (t *Tuner) ResultsSummary(w io.Writer, n int) error {
	best := t.oracle.BestTrials(n)

	var b strings.Builder
	fmt.Fprintln(&b, "Results summary")

	if t.store != nil {
		fmt.Fprintf(&b, "Results in %s\n", t.store.Location(t.project))
	}

	fmt.Fprintf(&b, "Showing %d best trials\n", len(best))
	fmt.Fprintln(&b, t.oracle.Objective())

	for _, tr := range best {
		fmt.Fprintf(&b, "\nTrial %s summary\n", tr.ID)
		fmt.Fprintln(&b, "Hyperparameters:")

		keys := make([]string, 0, len(tr.Values))
		for k := range tr.Values {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, tr.Values[k])
		}

		fmt.Fprintf(&b, "Score: %v\n", tr.Score)
	}

	_, err := io.WriteString(w, b.String())

	return err
}

//////
// Helpers.
//////

type epochLogs struct {
	epoch int
	logs  Logs
}

// averageHistories averages the metrics of several executions epoch by
// epoch, in epoch order.
func averageHistories(histories []History) []epochLogs {
	type acc struct {
		sum   float64
		count int
	}

	byEpoch := map[int]map[string]*acc{}

	for _, h := range histories {
		for i, epoch := range h.Epochs {
			if byEpoch[epoch] == nil {
				byEpoch[epoch] = map[string]*acc{}
			}

			for name, values := range h.Metrics {
				if i >= len(values) {
					continue
				}

				a := byEpoch[epoch][name]
				if a == nil {
					a = &acc{}
					byEpoch[epoch][name] = a
				}

				a.sum += values[i]
				a.count++
			}
		}
	}

	epochs := make([]int, 0, len(byEpoch))
	for e := range byEpoch {
		epochs = append(epochs, e)
	}

	sort.Ints(epochs)

	out := make([]epochLogs, 0, len(epochs))
	for _, e := range epochs {
		logs := Logs{}
		for name, a := range byEpoch[e] {
			logs[name] = a.sum / float64(a.count)
		}

		out = append(out, epochLogs{epoch: e, logs: logs})
	}

	return out
}

func cloneCallbacks(cbs []Callback) []Callback {
	out := make([]Callback, len(cbs))
	for i, cb := range cbs {
		if c, ok := cb.(Cloner); ok {
			out[i] = c.Clone()
			continue
		}

		out[i] = cb
	}

	return out
}

// publicValues drops the reserved tuner keys, for logging.
func publicValues(v Values) Values {
	out := Values{}
	for k, val := range v {
		if !strings.HasPrefix(k, "tuner/") {
			out[k] = val
		}
	}

	return out
}
