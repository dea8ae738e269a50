// Package eval implements the threshold-sweep evaluator of spec §4.8:
// external-sort the sites file by score, then walk it accumulating
// cumulative per-class counters and emitting a threshold-sweep table
// whenever the current quality metric has drifted enough from the last
// emitted row to be worth reporting.
//
// Grounded on annotation.BuildDistributionStats' percentile step for the
// external-sort-via-os/exec idiom (same BIO_SOM_FILTER_SORT_ARGS
// environment variable, same character-class validation), and on
// pileup/snp/output.go's bgzf + tsv.Writer pairing for provenance-headed
// tabular output.
package eval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/score"
)

const sortArgsEnvVar = "BIO_SOM_FILTER_SORT_ARGS"

var sortArgsPattern = regexp.MustCompile(`^[A-Za-z0-9 /_.-]*$`)

// DefaultDriftThreshold and DefaultWarmupFraction mirror spec §4.8's
// constants.
const (
	DefaultDriftThreshold = 0.005
	DefaultWarmupFraction = 0.10
)

// ThresholdRow is one emitted row of the <prefix>.tab threshold-sweep
// table, in the column order spec §6 requires.
type ThresholdRow struct {
	Metric      float64 `tsv:"METRIC"`
	NAll        int64   `tsv:"N_ALL"`
	Sensitivity float64 `tsv:"SENSITIVITY"`
	MetricNovel float64 `tsv:"METRIC_NOVEL"`
	Threshold   float64 `tsv:"THRESHOLD"`
}

// Config controls one evaluation run.
type Config struct {
	VariantType    score.VariantType
	DriftThreshold float64
	WarmupFraction float64
	// NGoodTotal is the total number of GOOD-tagged sites in the scored
	// table (the denominator of sensitivity, spec §4.8).
	NGoodTotal int64
	// ToolVersion and CommandLine are stamped into the threshold table's
	// provenance header.
	ToolVersion string
	CommandLine string
	TempDir     string
	// Region, if set, restricts the sweep to sites inside a single
	// chrom:lo-hi interval (spec §6 "region restriction").
	Region *annotation.Region
}

func (c *Config) setDefaults() {
	if c.DriftThreshold == 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.WarmupFraction == 0 {
		c.WarmupFraction = DefaultWarmupFraction
	}
}

// Run reads the bgzf-compressed sites file at sitesPath, sorts it by score
// ascending, and writes the threshold-sweep table to outPath.
func Run(ctx context.Context, sitesPath, outPath string, cfg Config) (err error) {
	cfg.setDefaults()

	scratchPath, nAllRows, err := dumpSitesToScratch(ctx, sitesPath, cfg.TempDir, cfg.Region)
	if err != nil {
		return err
	}
	defer os.Remove(scratchPath)

	sortedPath, err := externalSortByScore(scratchPath, cfg.TempDir)
	if err != nil {
		return err
	}
	defer os.Remove(sortedPath)

	dst, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.Wrap(err, "eval: create threshold table")
	}
	defer file.CloseAndReport(ctx, dst, &err)

	w := dst.Writer(ctx)
	if _, err = io.WriteString(w, fmt.Sprintf("# bio-som-filter %s\n", cfg.ToolVersion)); err != nil {
		return errors.Wrap(err, "eval: write threshold table header")
	}
	if _, err = io.WriteString(w, fmt.Sprintf("# %s\n", cfg.CommandLine)); err != nil {
		return errors.Wrap(err, "eval: write threshold table header")
	}
	rw := tsv.NewRowWriter(w)

	f, err := os.Open(sortedPath)
	if err != nil {
		return errors.Wrap(err, "eval: open sorted sites file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	warmup := int64(float64(nAllRows) * cfg.WarmupFraction)
	lastEmitted := math.NaN()

	var (
		nAll, nGoodSeen int64
		n               [3]int64
		nNovel          [3]int64
	)

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 3 {
			continue
		}
		scoreVal, perr := strconv.ParseFloat(fields[0], 64)
		if perr != nil {
			continue
		}
		class, cerr := strconv.Atoi(fields[1])
		if cerr != nil {
			continue
		}
		filterMask, merr := strconv.ParseUint(fields[2], 10, 64)
		if merr != nil {
			continue
		}
		good := filterMask & 1

		nAll++
		if good == 1 {
			nGoodSeen++
		}
		if class >= 0 && class < 3 {
			n[class]++
			if good == 0 {
				nNovel[class]++
			}
		}

		if nAll < warmup {
			continue
		}
		metric := computeMetric(cfg.VariantType, n)
		if !math.IsNaN(lastEmitted) && math.Abs(metric-lastEmitted) <= cfg.DriftThreshold {
			continue
		}
		lastEmitted = metric

		sensitivity := 0.0
		if cfg.NGoodTotal > 0 {
			sensitivity = 100 * float64(nGoodSeen) / float64(cfg.NGoodTotal)
		}
		row := ThresholdRow{
			Metric:      metric,
			NAll:        nAll,
			Sensitivity: sensitivity,
			MetricNovel: computeMetric(cfg.VariantType, nNovel),
			Threshold:   scoreVal,
		}
		if werr := rw.Write(&row); werr != nil {
			return errors.Wrap(werr, "eval: write threshold table row")
		}
	}
	if serr := scanner.Err(); serr != nil {
		return errors.Wrap(serr, "eval: scan sorted sites file")
	}
	return rw.Flush()
}

// computeMetric implements spec §4.8's metric formulas: ts/tv for SNPs,
// repeat consistency for indels.
func computeMetric(vt score.VariantType, n [3]int64) float64 {
	switch vt {
	case score.SNP:
		if n[0] == 0 {
			return math.Inf(1)
		}
		return float64(n[1]) / float64(n[0])
	case score.INDEL:
		denom := n[0] + n[1]
		if denom == 0 {
			return 0
		}
		return float64(n[1]) / float64(denom)
	}
	return 0
}

// dumpSitesToScratch decompresses the bgzf sites file into a plain
// tab-separated scratch file the host `sort` utility can operate on,
// skipping the two-line provenance/column header. BGZF is a sequence of
// independently-valid gzip members, so a standard multistream gzip reader
// decodes it correctly without depending on hts's own bgzf.Reader type.
func dumpSitesToScratch(ctx context.Context, sitesPath, tempDir string, region *annotation.Region) (path string, nRows int64, err error) {
	src, err := file.Open(ctx, sitesPath)
	if err != nil {
		return "", 0, errors.Wrap(err, "eval: open sites file")
	}
	defer file.CloseAndReport(ctx, src, &err)

	gz, err := gzip.NewReader(src.Reader(ctx))
	if err != nil {
		return "", 0, errors.Wrap(err, "eval: open sites file as gzip/bgzf")
	}
	gz.Multistream(true)
	defer gz.Close()

	out, err := ioutil.TempFile(tempDir, "bio-som-filter-sites-scratch-*.tsv")
	if err != nil {
		return "", 0, errors.Wrap(err, "eval: create scratch file")
	}
	defer out.Close()

	bw := bufio.NewWriter(out)
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "" {
			continue
		}
		if region != nil {
			fields := strings.Split(line, "\t")
			if len(fields) < 5 {
				continue
			}
			pos, perr := strconv.ParseInt(fields[4], 10, 64)
			if perr != nil {
				continue
			}
			if !region.Contains(fields[3], annotation.PosType(pos)) {
				continue
			}
		}
		if _, werr := bw.WriteString(line); werr != nil {
			return "", 0, errors.Wrap(werr, "eval: write scratch file")
		}
		if werr := bw.WriteByte('\n'); werr != nil {
			return "", 0, errors.Wrap(werr, "eval: write scratch file")
		}
		nRows++
	}
	if serr := scanner.Err(); serr != nil {
		return "", 0, errors.Wrap(serr, "eval: scan sites file")
	}
	if ferr := bw.Flush(); ferr != nil {
		return "", 0, errors.Wrap(ferr, "eval: flush scratch file")
	}
	return out.Name(), nRows, nil
}

// externalSortByScore invokes the host `sort` utility to numerically sort
// scratchPath by its first (tab-separated) column, per spec §5/§9.
func externalSortByScore(scratchPath, tempDir string) (string, error) {
	out, err := ioutil.TempFile(tempDir, "bio-som-filter-sites-sorted-*.tsv")
	if err != nil {
		return "", errors.Wrap(err, "eval: create sort output file")
	}
	defer out.Close()

	args := []string{"-n", "-k1,1", "-t", "\t"}
	if extra := os.Getenv(sortArgsEnvVar); extra != "" {
		if !sortArgsPattern.MatchString(extra) {
			return "", errors.Errorf("eval: invalid characters in %s: %s", sortArgsEnvVar, extra)
		}
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, scratchPath)

	cmd := exec.Command("sort", args...)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, "eval: external sort of sites scratch file")
	}
	return out.Name(), nil
}
