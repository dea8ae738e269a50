// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"flag"

	"github.com/grailbio/base/log"

	"github.com/grailbio/som-filter/annotation"
)

// runBuildDist computes (or, if a summary already exists at the requested
// prefix, confirms and reuses) the per-column distribution summary used by
// every later verb to rescale raw annotation values into [0,1].
func runBuildDist(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build-dist", flag.ExitOnError)
	var (
		tablePath       string
		prefix          string
		goodMaskPattern string
		loPercentile    float64
		hiPercentile    float64
		tempDir         string
	)
	fs.StringVar(&tablePath, "table", "", "Input annotation table path (required)")
	fs.StringVar(&prefix, "out", "bio-som-filter", "Output path prefix; the summary is written to <prefix>.n")
	fs.StringVar(&goodMaskPattern, "good-mask", "1", "Good-mask bit pattern")
	fs.Float64Var(&loPercentile, "lo-percentile", annotation.DefaultLoPercentile, "Low percentile endpoint for scaling")
	fs.Float64Var(&hiPercentile, "hi-percentile", annotation.DefaultHiPercentile, "High percentile endpoint for scaling")
	fs.StringVar(&tempDir, "temp-dir", "", "Directory for scratch files (default os.TempDir())")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if tablePath == "" {
		log.Fatalf("build-dist: -table is required")
	}

	dist, err := annotation.BuildDistributionStats(ctx, tablePath, prefix, goodMaskPattern, loPercentile, hiPercentile, tempDir)
	if err != nil {
		return err
	}
	log.Printf("build-dist: wrote %s (%d columns)", annotation.SidecarPath(prefix), len(dist.Columns))
	return nil
}
