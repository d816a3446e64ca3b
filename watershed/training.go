package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nicolerg/WatershedR/checkpoint"
	"github.com/nicolerg/WatershedR/crf"
	"github.com/nicolerg/WatershedR/gam"
	"github.com/nicolerg/WatershedR/wdata"
)

// checkpoint database keys
var (
	emKey     = []byte("em")
	bundleKey = []byte("bundle")
)

// run performs a full training call: load data, fit the annotation
// model, run EM, and apply the trained model to the prediction data.
func run() *TrainingSummary {
	settings, err := newModelSettings()
	if err != nil {
		log.Fatal(err)
	}
	summary := &TrainingSummary{Model: settings.variant.String()}

	var db *bolt.DB
	if *checkpointF != "" {
		db, err = bolt.Open(*checkpointF, 0644, nil)
		if err != nil {
			log.Fatal("Error opening checkpoint file:", err)
		}
		defer db.Close()
	}

	log.Infof("Reading training data from %s", *trainingF)
	full, err := wdata.Load(*trainingF, settings.nDims)
	if err != nil {
		log.Fatal("Error reading training data:", err)
	}
	train := full.TrainingSubset()
	summary.TrainingInstances = train.Len()
	summary.HeldOutPairs = full.Len() - train.Len()
	log.Infof("Training on %d instances (%d held-out N2 pair instances)",
		train.Len(), full.Len()-train.Len())
	if train.Len() == 0 {
		log.Fatal("No training instances left after excluding N2 pairs")
	}

	stdzr := wdata.FitStandardizer(train)
	stdzr.Apply(train)
	settings.discretizer.Apply(train)

	gamStart := time.Now()
	g, err := gam.Fit(train, settings.gam)
	if err != nil {
		log.Fatal("Error fitting the annotation model:", err)
	}
	summary.Lambda = g.Lambda
	summary.GAMOutcomes = len(g.Outcomes)
	summary.GAMTime = time.Since(gamStart).Seconds()
	log.Noticef("Annotation model fit: %d outcomes, lambda=%v", len(g.Outcomes), g.Lambda)

	par := crf.InitParameters(settings.variant, train, g, settings.discretizer.NLevels(),
		settings.em.Pseudocount)

	settings.em.Progress = func(iter int, objective float64) {
		summary.Objectives = append(summary.Objectives, objective)
	}
	em, err := crf.NewEM(settings.variant, train, par, settings.em)
	if err != nil {
		log.Fatal(err)
	}
	if db != nil {
		em.SetCheckpoint(checkpoint.NewIO(db, emKey, *checkpointSeconds))
	}

	emStart := time.Now()
	status, err := em.Run()
	if err != nil {
		log.Fatal("Error fitting the model:", err)
	}
	summary.Fit = status
	summary.EMTime = time.Since(emStart).Seconds()

	tm := &crf.TrainedModel{
		Model:        settings.variant.String(),
		FeatureNames: train.FeatureNames,
		OutlierNames: train.OutlierNames,
		Standardizer: stdzr,
		Discretizer:  settings.discretizer,
		Par:          em.Parameters(),
		MeanField:    settings.em.MeanField,
		Fit:          status,
	}

	modelF := *outPrefix + "_model.json"
	if err := tm.Save(modelF); err != nil {
		log.Fatal("Error saving the model:", err)
	}
	log.Infof("Saved the trained model to %s", modelF)
	if db != nil {
		if err := checkpoint.SaveJSON(db, bundleKey, tm); err != nil {
			log.Error("Error saving the model bundle to the checkpoint database:", err)
		}
	}

	if *predictionF != "" {
		summary.PredictionInstances = predict(tm)
	}

	return summary
}

// predict applies the trained model to the prediction data and
// writes the posterior table. Returns the number of scored
// instances.
func predict(tm *crf.TrainedModel) int {
	log.Infof("Reading prediction data from %s", *predictionF)
	d, err := wdata.Load(*predictionF, tm.Par.NDims)
	if err != nil {
		log.Fatal("Error reading prediction data:", err)
	}

	pred, err := tm.Predict(d)
	if err != nil {
		log.Fatal("Error computing posteriors:", err)
	}
	if !pred.Converged {
		log.Warning("Variational inference hit the iteration cap for some prediction instances")
	}

	posteriorF := *outPrefix + "_posterior.tsv"
	if err := writePosteriors(posteriorF, pred); err != nil {
		log.Fatal("Error writing posteriors:", err)
	}
	log.Infof("Wrote posteriors for %d instances to %s", len(pred.SampleIDs), posteriorF)
	return len(pred.SampleIDs)
}

// writePosteriors writes a tab-separated posterior table with one
// row per instance and one column per outlier dimension.
func writePosteriors(filename string, pred *crf.Prediction) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprint(w, "sample_name")
	for e := range pred.OutlierNames {
		fmt.Fprintf(w, "\tposterior_outlier%d", e+1)
	}
	fmt.Fprintln(w)

	for i, id := range pred.SampleIDs {
		fmt.Fprint(w, id)
		for _, p := range pred.Posteriors[i] {
			fmt.Fprint(w, "\t", strconv.FormatFloat(p, 'g', -1, 64))
		}
		fmt.Fprintln(w)
	}
	return nil
}
