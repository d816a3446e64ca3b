package main

import (
	"github.com/nicolerg/WatershedR/crf"
)

// TrainingSummary collects statistics of a single training call.
type TrainingSummary struct {
	// Model is the fitted model name.
	Model string `json:"model"`
	// Lambda is the resolved L2 penalty.
	Lambda float64 `json:"lambda"`
	// GAMOutcomes is the number of fitted annotation-model
	// outcomes.
	GAMOutcomes int `json:"gamOutcomes"`
	// TrainingInstances is the number of instances used for
	// fitting.
	TrainingInstances int `json:"trainingInstances"`
	// HeldOutPairs is the number of N2 pair instances excluded
	// from training.
	HeldOutPairs int `json:"heldOutPairs"`
	// PredictionInstances is the number of scored prediction
	// instances (zero when no prediction data was given).
	PredictionInstances int `json:"predictionInstances,omitempty"`
	// Objectives is the penalized objective trajectory, one value
	// per EM iteration.
	Objectives []float64 `json:"objectives"`
	// Fit reports EM convergence.
	Fit *crf.Status `json:"fit"`
	// GAMTime is the time spent fitting the annotation model in
	// seconds.
	GAMTime float64 `json:"gamTime"`
	// EMTime is the time spent in EM in seconds.
	EMTime float64 `json:"emTime"`
}

// CallSummary stores summary information for the whole run.
type CallSummary struct {
	Version     string           `json:"version"`
	CommandLine []string         `json:"commandLine"`
	Seed        int64            `json:"seed"`
	NThreads    int              `json:"nThreads"`
	Training    *TrainingSummary `json:"training"`
	// TotalTime is the total computation time in seconds.
	TotalTime float64 `json:"totalTime"`
}
