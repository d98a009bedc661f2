// Package pipeline runs gristmill's batch ETL state machine.
//
// # Overview
//
// A run moves through fixed states:
//
//	INIT -> EXTRACT -> TRANSFORM -> LOAD -> OUTPUT -> DONE
//
// with FAILED as the absorbing error state. Each stage maps a slice of
// work items through a stage function on a bounded worker pool:
//
//   - EXTRACT reads every discovered input file into a dataset
//   - TRANSFORM applies the configured strategy to dataset partitions
//   - LOAD writes per-input files to the load directory
//   - OUTPUT builds reports and writes them in each output format
//
// Sequential and concurrent modes produce identical results; the mode
// only changes how items are scheduled. Item failures are classified,
// recorded on the run statistics, and skipped; a stage fails only when
// every item failed, or on the first failure when all-or-nothing is
// set.
//
// # Basic Usage
//
//	cfg, err := config.Load("run.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	pctx, err := pipeline.NewContext(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	result := pipeline.NewOrchestrator(pctx).Run(ctx)
//	if result.State == pipeline.StateFailed {
//		os.Exit(1)
//	}
//
// Worker counts and transform partition counts are recomputed before
// each stage from live resource snapshots unless auto-optimization is
// disabled in the run configuration.
package pipeline
