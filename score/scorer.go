// Package score implements the second streaming pass (spec §4.7): for
// every fully-present site, compute its distance-to-manifold score via a
// trained som.Engine, classify the variant, and append one row to a
// bgzf-compressed sites file.
//
// Grounded on pileup/snp/output.go's bgzf.NewWriter-over-file.File.Writer
// idiom (same github.com/grailbio/hts/bgzf pairing), including its
// defer-close-and-report discipline for propagating a close error without
// masking an earlier one.
package score

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bgzf"
	"github.com/pkg/errors"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/filterexpr"
	"github.com/grailbio/som-filter/som"
)

// VariantType selects which classification rule §4.7 applies.
type VariantType int

const (
	SNP VariantType = iota
	INDEL
)

// IndelContext is the external reference-sequence collaborator consulted
// for indel classification (spec §4.7, §9 "Indel context dependency").
// Computing tandem-repeat context from a reference sequence is explicitly
// out of scope for this tool; only the contract is specified here, and
// refctx provides a faidx-backed implementation of it.
type IndelContext interface {
	// Classify returns the local tandem-repeat unit count (nrep), repeat
	// unit length (nlen), and the variant's net length change (ndel) at
	// (chrom, pos) for the given ref/alt alleles.
	Classify(chrom string, pos annotation.PosType, ref, alt string) (nrep, nlen, ndel int, err error)
}

var baseCode = map[byte]int{
	'A': 0, 'C': 1, 'G': 2, 'T': 3,
	'a': 0, 'c': 1, 'g': 2, 't': 3,
}

// ClassifySNP implements the transition/transversion rule of spec §4.7:
// a base-pair substitution is a transition (1) when its encoded bases
// differ by exactly 2 under the A/C/G/T -> {0,1,2,3} mapping, else a
// transversion (0). Alleles outside ACGT (e.g. symbolic alleles) are
// conservatively classified as transversions.
func ClassifySNP(ref, alt string) int {
	if len(ref) == 0 || len(alt) == 0 {
		return 0
	}
	r, rok := baseCode[ref[0]]
	a, aok := baseCode[alt[0]]
	if !rok || !aok {
		return 0
	}
	d := r - a
	if d < 0 {
		d = -d
	}
	if d == 2 {
		return 1
	}
	return 0
}

// ClassifyIndel implements spec §4.7's indel classification rule. A nil
// ctx (no reference supplied) always returns class 2, "not applicable".
func ClassifyIndel(ctx IndelContext, chrom string, pos annotation.PosType, ref, alt string) (int, error) {
	if ctx == nil {
		return 2, nil
	}
	nrep, nlen, ndel, err := ctx.Classify(chrom, pos, ref, alt)
	if err != nil {
		return 0, err
	}
	if nlen <= 1 || nrep <= 1 {
		return 2, nil
	}
	abs := ndel
	if abs < 0 {
		abs = -abs
	}
	if abs%nlen == 0 {
		return 1, nil
	}
	return 0, nil
}

// Config controls one Scorer run.
type Config struct {
	VariantType VariantType
	// FixedFilter, if non-nil, is evaluated against each site's scaled
	// values to produce the hard-filter failure bits packed into the sites
	// file's third column above the GOOD bit (spec §6 "filter-mask-with
	// -good-bit-in-LSB"). A nil FixedFilter leaves those bits zero.
	FixedFilter *filterexpr.Expr
	// Parallelism is the bgzf writer's block-compression parallelism.
	Parallelism int
	// ToolVersion and CommandLine are stamped into the sites file's
	// provenance header line.
	ToolVersion string
	CommandLine string
}

// Scorer streams an annotation table through a trained som.Engine and
// writes a sites file.
type Scorer struct {
	cfg      Config
	engine   *som.Engine
	catalog  *annotation.Catalog
	indelCtx IndelContext
}

// NewScorer constructs a Scorer. indelCtx may be nil when scoring SNPs.
func NewScorer(cfg Config, engine *som.Engine, catalog *annotation.Catalog, indelCtx IndelContext) *Scorer {
	return &Scorer{cfg: cfg, engine: engine, catalog: catalog, indelCtx: indelCtx}
}

// sitesHeaderColumns documents the five-column schema spec §6 requires for
// <prefix>.sites.gz: FILTER_MASK packs the hard-filter failure bitmask
// (from Config.FixedFilter, shifted left one bit) with the GOOD bit in
// its least significant bit.
const sitesHeaderColumns = "# SCORE\tCLASS\tFILTER_MASK\tCHROM\tPOS\n"

// Run streams every site from tr, scores it, and appends a row to the
// bgzf-compressed file at outPath. The file gets a two-line header: a
// provenance comment (tool version and full command line, spec §6) and a
// column-description comment.
func (s *Scorer) Run(ctx context.Context, tr *annotation.TableReader, outPath string) (err error) {
	dst, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.Wrap(err, "score: create sites file")
	}
	defer file.CloseAndReport(ctx, dst, &err)

	bw := bgzf.NewWriter(dst.Writer(ctx), s.cfg.Parallelism)
	defer func() {
		if cerr := bw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	provenance := fmt.Sprintf("# bio-som-filter %s: %s\n", s.cfg.ToolVersion, s.cfg.CommandLine)
	if _, err = io.WriteString(bw, provenance); err != nil {
		return errors.Wrap(err, "score: write sites file header")
	}
	if _, err = io.WriteString(bw, sitesHeaderColumns); err != nil {
		return errors.Wrap(err, "score: write sites file header")
	}

	somSlots := s.catalog.SomSlots()
	vec := make([]float64, len(somSlots))

	for {
		var site *annotation.Site
		site, err = tr.Next()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return errors.Wrap(err, "score: streaming annotation table")
		}
		if !site.AllPresent(s.catalog.NUserSlots()) {
			continue
		}
		for i, slot := range somSlots {
			vec[i] = site.Values[slot-annotation.FirstUserSlot]
		}
		scoreVal := s.engine.Score(vec)

		var class int
		switch s.cfg.VariantType {
		case SNP:
			class = ClassifySNP(site.Ref, site.Alt)
		case INDEL:
			class, err = ClassifyIndel(s.indelCtx, site.Chrom, site.Pos, site.Ref, site.Alt)
			if err != nil {
				return errors.Wrap(err, "score: classify indel")
			}
		}

		var good uint64
		if site.Good() {
			good = 1
		}
		var failureMask uint64
		if s.cfg.FixedFilter != nil {
			failureMask = s.cfg.FixedFilter.Evaluate(site.Values)
		}
		filterMask := failureMask<<1 | good
		line := fmt.Sprintf("%g\t%d\t%d\t%s\t%d\n", scoreVal, class, filterMask, site.Chrom, site.Pos)
		if _, err = io.WriteString(bw, line); err != nil {
			return errors.Wrap(err, "score: write sites file row")
		}
	}
	return nil
}
