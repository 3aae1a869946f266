// Package hypertune provides automated hyperparameter search for models
// trained epoch by epoch. It offers a small, thread-safe tuning toolkit: a
// hyperparameter registry that doubles as the search space, oracles that
// decide what to try next, and a tuner that runs the trials.
//
// # Features
//
// The package includes the following key features:
//
//   - Hyperband: bandit-style search that starts many configurations on a
//     small epoch budget and promotes the best ones to larger budgets
//   - Bayesian Optimization: Gaussian Process surrogate with Upper Confidence
//     Bound (UCB), Probability of Improvement (PI), Expected Improvement (EI)
//     and Thompson Sampling acquisition functions
//   - Random Search: independent draws with duplicate detection
//   - Define-by-run search spaces: the model builder registers parameters
//     with hp.Int, hp.Float, hp.Choice, hp.Boolean and hp.Fixed
//   - Persistence and resume: trials, oracle state and checkpoints go
//     through a Store (see the trialstore package for sqlite)
//   - Progress Monitoring: real-time updates on search progress via channels
//   - Concurrent trials: WithWorkers runs several trials at once
//
// # Usage
//
//	buildModel := func(hp *hypertune.HyperParameters) (hypertune.Model, error) {
//	    units := hp.Int("units", 32, 512, 32)
//	    lr := hp.Choice("learning_rate", 1e-2, 1e-3, 1e-4).(float64)
//	    return newClassifier(units, lr), nil
//	}
//
//	oracle, err := hypertune.NewHyperband(hypertune.HyperbandConfig{
//	    OracleConfig: hypertune.OracleConfig{
//	        Objective: hypertune.NewObjective("val_accuracy", hypertune.DirectionMax),
//	    },
//	    MaxEpochs: 10,
//	    Factor:    3,
//	})
//
//	tuner, err := hypertune.New(ctx, oracle, buildModel)
//	err = tuner.Search(ctx, hypertune.SearchConfig{Epochs: 50})
//	best, err := tuner.BestHyperParameters(1)
//
// # Hyperband
//
// With MaxEpochs=10 and Factor=3 there are three brackets. Bracket 2 trains
// 4 configurations for 2 epochs, promotes 2 of them to 4 epochs and 1 to 10
// epochs; bracket 1 trains 4 configurations for 4 epochs and promotes 2 to
// 10 epochs; bracket 0 trains 4 configurations for 10 epochs. Promoted
// trials carry the ID of their parent in "tuner/trial_id" and resume from
// "tuner/initial_epoch" when the model implements Checkpointer.
//
// # Thread Safety
//
// Oracles and the Tuner are safe for concurrent use. HyperParameters values
// are per trial and must not be shared between goroutines.
package hypertune
