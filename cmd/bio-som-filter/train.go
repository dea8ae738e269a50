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
	"github.com/grailbio/som-filter/cmd/bio-som-filter/refctx"
	"github.com/grailbio/som-filter/filterexpr"
	"github.com/grailbio/som-filter/score"
	"github.com/grailbio/som-filter/som"
	"github.com/grailbio/som-filter/train"
)

// trainOpts collects every flag the train verb accepts, corresponding
// one-to-one with the tunables of spec §3-§4 (annotation selection, map
// parameters, training size, filter expressions, variant type, reference
// path, seed, good-mask pattern).
type trainOpts struct {
	TablePath       string
	Prefix          string
	GoodMaskPattern string
	SomAnnotations  []string
	LearningFilter  string
	FixedFilter     string
	VariantType     string
	ReferencePath   string
	N               int
	F               float64
	B               int
	Eta0            float64
	Theta           float64
	K               int
	Seed            int64
	LoPercentile    float64
	HiPercentile    float64
	TempDir         string
	Parallelism     int
	Region          string
}

func runTrain(ctx context.Context, args []string, commandLine string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	opts := trainOpts{}
	var somAnnotations string
	fs.StringVar(&opts.TablePath, "table", "", "Input annotation table path (required)")
	fs.StringVar(&opts.Prefix, "out", "bio-som-filter", "Output path prefix")
	fs.StringVar(&opts.GoodMaskPattern, "good-mask", "1", "Good-mask bit pattern; a row is GOOD iff its MASK column intersects this pattern")
	fs.StringVar(&somAnnotations, "annotations", "", "Comma-separated list of annotation column names forming the SOM input vector (required)")
	fs.StringVar(&opts.LearningFilter, "learning-filter", "", "Conjunction-of-predicates expression selecting non-GOOD sites for the LEARN reservoir")
	fs.StringVar(&opts.FixedFilter, "fixed-filter", "", "Conjunction-of-predicates hard filter expression; its failure bits are packed into the sites file's filter-mask column (the external apply collaborator still owns rewriting FILTER/INFO)")
	fs.StringVar(&opts.VariantType, "variant-type", "SNP", "SNP or INDEL")
	fs.StringVar(&opts.ReferencePath, "reference", "", "faidx-indexed reference fasta path (required for -variant-type=INDEL)")
	fs.IntVar(&opts.N, "n", 100000, "Total training vectors requested (capped to available GOOD+LEARN sites)")
	fs.Float64Var(&opts.F, "learning-fraction", 0.1, "Fraction of N drawn from the LEARN reservoir")
	fs.IntVar(&opts.B, "b", 20, "SOM grid bins per side")
	fs.Float64Var(&opts.Eta0, "eta0", 0.1, "Initial learning rate")
	fs.Float64Var(&opts.Theta, "theta", 0.2, "Post-normalization activation threshold")
	fs.IntVar(&opts.K, "k", 1, "Ensemble size (number of independent grids)")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed; 0 means the SOM derives its seed from the wall-clock and reservoir sampling uses seed 1")
	fs.Float64Var(&opts.LoPercentile, "lo-percentile", annotation.DefaultLoPercentile, "Low percentile endpoint for scaling (used only if the distribution summary doesn't already exist)")
	fs.Float64Var(&opts.HiPercentile, "hi-percentile", annotation.DefaultHiPercentile, "High percentile endpoint for scaling")
	fs.StringVar(&opts.TempDir, "temp-dir", "", "Directory for scratch files (default os.TempDir())")
	fs.IntVar(&opts.Parallelism, "parallelism", 1, "bgzf writer block-compression parallelism for the sites file")
	fs.StringVar(&opts.Region, "region", "", "Restrict both training and scoring to a chrom:lo-hi region")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.TablePath == "" {
		log.Fatalf("train: -table is required")
	}
	if somAnnotations == "" {
		log.Fatalf("train: -annotations is required")
	}
	opts.SomAnnotations = strings.Split(somAnnotations, ",")

	var region *annotation.Region
	if opts.Region != "" {
		r, err := annotation.ParseRegion(opts.Region)
		if err != nil {
			return err
		}
		region = r
	}

	dist, err := annotation.BuildDistributionStats(ctx, opts.TablePath, opts.Prefix, opts.GoodMaskPattern, opts.LoPercentile, opts.HiPercentile, opts.TempDir)
	if err != nil {
		return err
	}

	header, err := readTableHeader(ctx, opts.TablePath)
	if err != nil {
		return err
	}
	builder, err := annotation.NewCatalogBuilder(header)
	if err != nil {
		return err
	}

	resolver := newCLIResolver(builder, dist)
	for _, name := range opts.SomAnnotations {
		name = strings.TrimSpace(name)
		if err := builder.Select(name, true); err != nil {
			return err
		}
		resolver.adopt(name)
	}

	var learningExpr, fixedExpr *filterexpr.Expr
	if opts.LearningFilter != "" {
		learningExpr, err = filterexpr.Parse(opts.LearningFilter, true, resolver)
		if err != nil {
			return err
		}
	}
	if opts.FixedFilter != "" {
		fixedExpr, err = filterexpr.Parse(opts.FixedFilter, true, resolver)
		if err != nil {
			return err
		}
	}
	// fixedExpr is evaluated per site below to populate the sites file's
	// filter-mask column (spec §6); the external apply collaborator (spec
	// §1) still owns actually rewriting FILTER/INFO onto variant records.

	catalog := builder.Build()

	names := make([]string, catalog.NUserSlots())
	for i := 0; i < catalog.NUserSlots(); i++ {
		names[i] = catalog.NameOfSlot(annotation.FirstUserSlot + i)
	}
	scaleRanges, err := dist.ScaleRangesFor(names)
	if err != nil {
		return err
	}

	pipelineCtx := &annotation.Context{
		TablePath:       opts.TablePath,
		Prefix:          opts.Prefix,
		GoodMaskPattern: opts.GoodMaskPattern,
		Catalog:         catalog,
		Dist:            dist,
		ScaleRanges:     scaleRanges,
		TempDir:         opts.TempDir,
		Region:          region,
	}

	tr, err := pipelineCtx.OpenReader(ctx)
	if err != nil {
		return err
	}

	trainCfg := train.Config{
		N:              opts.N,
		F:              opts.F,
		LearningFilter: learningExpr,
		Seed:           opts.Seed,
	}
	somD := len(catalog.SomSlots())
	result, err := train.Run(ctx, tr, catalog, trainCfg, func(n int) (*som.Engine, error) {
		somCfg := som.DefaultConfig()
		somCfg.D = somD
		somCfg.B = opts.B
		somCfg.K = opts.K
		somCfg.Eta0 = opts.Eta0
		somCfg.Theta = opts.Theta
		somCfg.N = n
		somCfg.Seed = opts.Seed
		return som.NewEngine(somCfg)
	})
	if cerr := tr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Printf("train: good=%d learn=%d effectiveN=%d", result.GoodCount, result.LearnCount, result.EffectiveN)

	var variantType score.VariantType
	var indelCtx score.IndelContext
	switch strings.ToUpper(opts.VariantType) {
	case "SNP":
		variantType = score.SNP
	case "INDEL":
		variantType = score.INDEL
		if opts.ReferencePath == "" {
			log.Fatalf("train: -reference is required for -variant-type=INDEL")
		}
		fctx, ferr := refctx.Open(ctx, opts.ReferencePath)
		if ferr != nil {
			return ferr
		}
		defer fctx.Close(ctx)
		indelCtx = fctx
	default:
		log.Fatalf("train: -variant-type must be SNP or INDEL, got %q", opts.VariantType)
	}

	tr2, err := pipelineCtx.OpenReader(ctx)
	if err != nil {
		return err
	}
	defer tr2.Close()

	scorer := score.NewScorer(score.Config{
		VariantType: variantType,
		FixedFilter: fixedExpr,
		Parallelism: opts.Parallelism,
		ToolVersion: toolVersion,
		CommandLine: commandLine,
	}, result.Engine, catalog, indelCtx)

	return scorer.Run(ctx, tr2, opts.Prefix+".sites.gz")
}

// readTableHeader opens path just long enough to read its header line.
func readTableHeader(ctx context.Context, path string) ([]string, error) {
	tr, err := annotation.OpenTableReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.Header(), nil
}

// cliResolver adapts a CatalogBuilder and DistributionStats into a
// filterexpr.Resolver: ResolveSlot adds previously-unseen names as
// filter-only (non-SOM) slots, per spec §4.4's "implicitly added the first
// time it's referenced" rule, and ScaleThreshold converts a raw-units
// threshold into the same [0,1] coordinate TableReader produces for that
// annotation.
type cliResolver struct {
	builder   *annotation.CatalogBuilder
	dist      *annotation.DistributionStats
	nameIndex map[string]int
	indexName map[int]string
}

func newCLIResolver(builder *annotation.CatalogBuilder, dist *annotation.DistributionStats) *cliResolver {
	return &cliResolver{
		builder:   builder,
		dist:      dist,
		nameIndex: make(map[string]int),
		indexName: make(map[int]string),
	}
}

// adopt registers a name already Select()-ed directly against the builder
// (e.g. the explicit SOM annotation list), so ResolveSlot returns the same
// local index for it later.
func (r *cliResolver) adopt(name string) {
	if _, ok := r.nameIndex[name]; ok {
		return
	}
	idx := len(r.nameIndex)
	r.nameIndex[name] = idx
	r.indexName[idx] = name
}

func (r *cliResolver) ResolveSlot(name string) (int, error) {
	if idx, ok := r.nameIndex[name]; ok {
		return idx, nil
	}
	if err := r.builder.Select(name, false); err != nil {
		return 0, err
	}
	idx := len(r.nameIndex)
	r.nameIndex[name] = idx
	r.indexName[idx] = name
	return idx, nil
}

func (r *cliResolver) ScaleThreshold(slot int, raw float64) float64 {
	name := r.indexName[slot]
	cs, ok := r.dist.Get(name)
	if !ok {
		return raw
	}
	return annotation.Scale(raw, cs.ScaleLo, cs.ScaleHi)
}
