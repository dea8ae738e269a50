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
	"strings"

	"github.com/grailbio/base/log"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/eval"
	"github.com/grailbio/som-filter/score"
)

func runEval(ctx context.Context, args []string, commandLine string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	var (
		sitesPath      string
		prefix         string
		variantType    string
		nGoodTotal     int64
		driftThreshold float64
		warmupFraction float64
		tempDir        string
		region         string
	)
	fs.StringVar(&sitesPath, "sites", "", "Input <prefix>.sites.gz path, written by the train verb (required)")
	fs.StringVar(&prefix, "out", "bio-som-filter", "Output path prefix; the threshold table is written to <prefix>.tab")
	fs.StringVar(&variantType, "variant-type", "SNP", "SNP or INDEL; selects ts/tv or repeat-consistency as the quality metric")
	fs.Int64Var(&nGoodTotal, "n-good-total", 0, "Total number of GOOD-tagged sites in the scored table, the sensitivity denominator (required)")
	fs.Float64Var(&driftThreshold, "drift-threshold", eval.DefaultDriftThreshold, "Minimum metric change between emitted rows")
	fs.Float64Var(&warmupFraction, "warmup-fraction", eval.DefaultWarmupFraction, "Fraction of all sites consumed before the sweep starts emitting rows")
	fs.StringVar(&tempDir, "temp-dir", "", "Directory for scratch files (default os.TempDir())")
	fs.StringVar(&region, "region", "", "Restrict the sweep to a chrom:lo-hi region")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sitesPath == "" {
		log.Fatalf("eval: -sites is required")
	}
	if nGoodTotal <= 0 {
		log.Fatalf("eval: -n-good-total must be a positive count of GOOD sites")
	}

	var regionVal *annotation.Region
	if region != "" {
		r, err := annotation.ParseRegion(region)
		if err != nil {
			return err
		}
		regionVal = r
	}

	var vt score.VariantType
	switch strings.ToUpper(variantType) {
	case "SNP":
		vt = score.SNP
	case "INDEL":
		vt = score.INDEL
	default:
		log.Fatalf("eval: -variant-type must be SNP or INDEL, got %q", variantType)
	}

	cfg := eval.Config{
		VariantType:    vt,
		DriftThreshold: driftThreshold,
		WarmupFraction: warmupFraction,
		NGoodTotal:     nGoodTotal,
		ToolVersion:    toolVersion,
		CommandLine:    commandLine,
		TempDir:        tempDir,
		Region:         regionVal,
	}
	outPath := prefix + ".tab"
	if err := eval.Run(ctx, sitesPath, outPath, cfg); err != nil {
		return err
	}
	log.Printf("eval: wrote %s", outPath)
	return nil
}
