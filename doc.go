// Package gristmill provides a concurrent batch ETL engine for tabular
// file data: discover input files, parse them into datasets, transform
// the rows with a domain strategy, and aggregate the result into report
// tables.
//
// A run walks a fixed state machine (INIT, EXTRACT, TRANSFORM, LOAD,
// OUTPUT, DONE) and fans each stage out over a bounded worker pool. The
// same run executed sequentially and concurrently produces identical
// outputs; only the wall-clock time differs, so the two modes can be
// compared directly.
//
// # Quick Start
//
// Aggregate a directory of sales CSVs into a per-product revenue report:
//
//	import (
//	    "context"
//
//	    "github.com/gristmill/gristmill/pkg/config"
//	    "github.com/gristmill/gristmill/pkg/pipeline"
//	    "github.com/gristmill/gristmill/pkg/report"
//	)
//
//	cfg := config.DefaultRunConfig()
//	cfg.Name = "daily-sales"
//	cfg.Strategy = "sales"
//	cfg.Source = config.SourceConfig{Dir: "./data/in", Pattern: "*.csv"}
//	cfg.OutputDir = "./data/out"
//	cfg.Reports = []report.Spec{{
//	    Name:       "revenue_by_product",
//	    Dimension:  "product",
//	    Aggregates: map[string]report.Op{"revenue": report.OpSum},
//	}}
//
//	pctx, err := pipeline.NewContext(cfg, nil)
//	if err != nil {
//	    // handle err
//	}
//	result := pipeline.NewOrchestrator(pctx).Run(context.Background())
//
// The same run is available from the command line:
//
//	gristmill run -c run.yaml
//	gristmill compare -c run.yaml
//
// # Key Packages
//
//	pkg/pipeline    - Orchestrator, stage executor and mode comparator
//	pkg/dataset     - In-memory tabular data with split and concat
//	pkg/transform   - Row transformation strategies (sales, accounting, ...)
//	pkg/report      - Grouped aggregation into summary tables
//	pkg/format      - CSV, JSON, Parquet and Excel readers and writers
//	pkg/compression - Transparent gzip, zstd and lz4 file codecs
//	pkg/config      - YAML run configuration with env substitution
//	pkg/optimize    - Worker and partition sizing from host resources
//	pkg/monitor     - Background CPU and memory sampling
//	pkg/stats       - Per-run counters and the run report
//	pkg/metrics     - Prometheus instrumentation
//	pkg/errors      - Structured errors with kinds and stack traces
//	pkg/logger      - Zap-based structured logging
//
// # Concurrency
//
// Stages dispatch work items to an errgroup-backed pool whose size is
// either fixed by configuration or chosen per stage from a resource
// snapshot. Item failures are collected, classified by error kind and
// reported at the end of the run; a stage only aborts when every item
// fails or the run is configured all-or-nothing.
package gristmill
