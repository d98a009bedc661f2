// Package config defines the run configuration for gristmill pipelines.
//
// A single RunConfig structure describes one run end to end: where the
// input files live, which transform strategy applies, how each stage's
// worker pool is bounded, and which reports and formats the run emits.
//
// # Loading a run configuration
//
//	cfg, err := config.Load("runs/quarterly.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Environment variable substitution
//
//	# quarterly.yaml
//	source:
//	  dir: ${SALES_DATA_DIR}
//	  pattern: "*.csv"
//	output_dir: ${SALES_OUT_DIR}
//
// References written as ${VAR_NAME} are replaced with the environment
// value before parsing. Unknown configuration keys are rejected, so a
// typo fails the run instead of silently using a default.
//
// # Defaults
//
// DefaultRunConfig seeds every run: concurrent mode, up to five extract
// workers, up to three load and output workers, CSV output, and
// automatic worker optimization from live resource snapshots. A YAML
// file only needs the fields it wants to change.
package config
