package annotation

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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Default percentile endpoints, per spec §4.2.
const (
	DefaultLoPercentile = 0.1
	DefaultHiPercentile = 99.9
)

// sortArgsEnvVar is the single environment variable this tool consults to
// pass extra arguments to the external `sort` invocation used for exact
// percentile computation (spec §5, §6). Its value is validated against a
// conservative character class before being split into argv entries, since
// it ultimately reaches exec.Command.
const sortArgsEnvVar = "BIO_SOM_FILTER_SORT_ARGS"

var sortArgsPattern = regexp.MustCompile(`^[A-Za-z0-9 /_.-]*$`)

// ColumnStat is the per-annotation-column distribution summary described in
// spec §3.
type ColumnStat struct {
	Name     string  `tsv:"NAME"`
	NAll     int64   `tsv:"NALL"`
	NGood    int64   `tsv:"NGOOD"`
	NMissing int64   `tsv:"NMISSING"`
	AllMin   float64 `tsv:"ALL_MIN"`
	AllMax   float64 `tsv:"ALL_MAX"`
	GoodMin  float64 `tsv:"GOOD_MIN"`
	GoodMax  float64 `tsv:"GOOD_MAX"`
	ScaleLo  float64 `tsv:"SCALE_LO"`
	ScaleHi  float64 `tsv:"SCALE_HI"`
}

// DistributionStats holds the per-column summary for every annotation column
// in a table (not just the ones later selected for training/scoring).
type DistributionStats struct {
	Columns []ColumnStat
	index   map[string]int
}

// Get returns the ColumnStat for name, or false if name was not part of the
// table this DistributionStats was built from.
func (d *DistributionStats) Get(name string) (ColumnStat, bool) {
	i, ok := d.index[name]
	if !ok {
		return ColumnStat{}, false
	}
	return d.Columns[i], true
}

// ScaleRangesFor returns scale ranges for the given ordered annotation
// names, failing fatally (per spec §7(d)) if any is degenerate or absent.
func (d *DistributionStats) ScaleRangesFor(names []string) ([]ScaleRange, error) {
	out := make([]ScaleRange, len(names))
	for i, name := range names {
		cs, ok := d.Get(name)
		if !ok {
			return nil, errors.E("no distribution stats for annotation:", name)
		}
		if cs.ScaleLo == cs.ScaleHi {
			return nil, errors.E("degenerate distribution for annotation", name, ": scale_lo == scale_hi ==", cs.ScaleLo, "(annotation must be removed)")
		}
		out[i] = ScaleRange{Lo: cs.ScaleLo, Hi: cs.ScaleHi}
	}
	return out, nil
}

func buildIndex(cols []ColumnStat) map[string]int {
	m := make(map[string]int, len(cols))
	for i, c := range cols {
		m[c.Name] = i
	}
	return m
}

// sidecarComment documents the ten-column schema at the top of every
// persisted summary file.
const sidecarComment = "# NAME\tNALL\tNGOOD\tNMISSING\tALL_MIN\tALL_MAX\tGOOD_MIN\tGOOD_MAX\tSCALE_LO\tSCALE_HI\n"

// LoadDistributionStats reads a previously persisted "<prefix>.n" file.
func LoadDistributionStats(ctx context.Context, path string) (*DistributionStats, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open distribution summary", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	r := tsv.NewReader(f.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	var cols []ColumnStat
	for {
		var row ColumnStat
		if rerr := r.Read(&row); rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, errors.E(rerr, "read distribution summary", path)
		}
		cols = append(cols, row)
	}
	return &DistributionStats{Columns: cols, index: buildIndex(cols)}, nil
}

// SidecarPath returns the conventional "<prefix>.n" summary path.
func SidecarPath(prefix string) string { return prefix + ".n" }

// BuildDistributionStats computes (or, if the sidecar already exists,
// loads) the DistributionStats for tablePath, covering every annotation
// column of the table.
func BuildDistributionStats(ctx context.Context, tablePath, prefix string, goodMaskPattern string, loPctl, hiPctl float64, tempDir string) (*DistributionStats, error) {
	sidecar := SidecarPath(prefix)
	if exists(ctx, sidecar) {
		log.Printf("reusing existing distribution summary %s", sidecar)
		return LoadDistributionStats(ctx, sidecar)
	}
	stats, err := computeDistributionStats(ctx, tablePath, goodMaskPattern, loPctl, hiPctl, tempDir)
	if err != nil {
		return nil, err
	}
	if err := persistDistributionStats(ctx, stats, sidecar); err != nil {
		return nil, err
	}
	return stats, nil
}

func exists(ctx context.Context, path string) bool {
	f, err := file.Open(ctx, path)
	if err != nil {
		return false
	}
	_ = f.Close(ctx)
	return true
}

func persistDistributionStats(ctx context.Context, stats *DistributionStats, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create distribution summary", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	w := f.Writer(ctx)
	if _, err = io.WriteString(w, sidecarComment); err != nil {
		return errors.E(err, "write distribution summary", path)
	}
	rw := tsv.NewRowWriter(w)
	for _, c := range stats.Columns {
		if werr := rw.Write(&c); werr != nil {
			return errors.E(werr, "write distribution summary row", path)
		}
	}
	return rw.Flush()
}

type runningColumn struct {
	name                         string
	nAll, nGood, nMissing        int64
	allMin, allMax               float64
	goodMin, goodMax             float64
	sawAll, sawGood              bool
	scratch                      *os.File
	scratchWriter                *bufio.Writer
}

func computeDistributionStats(ctx context.Context, tablePath string, goodMaskPattern string, loPctl, hiPctl float64, tempDir string) (stats *DistributionStats, err error) {
	tr, err := OpenTableReader(ctx, tablePath)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	header := tr.Header()
	builder, err := NewCatalogBuilder(header)
	if err != nil {
		return nil, err
	}
	annotNames := header[FirstUserSlot:]
	for _, name := range annotNames {
		if err := builder.Select(name, false); err != nil {
			return nil, err
		}
	}
	catalog := builder.Build()
	if err := tr.Configure(catalog, goodMaskPattern, nil); err != nil {
		return nil, err
	}

	n := catalog.NUserSlots()
	cols := make([]runningColumn, n)
	for i := range cols {
		cols[i].name = annotNames[i]
		cols[i].allMin, cols[i].goodMin = math.MaxFloat64, math.MaxFloat64
		cols[i].allMax, cols[i].goodMax = -math.MaxFloat64, -math.MaxFloat64
		f, ferr := ioutil.TempFile(tempDir, "bio-som-filter-dist-*.tsv")
		if ferr != nil {
			return nil, errors.E(ferr, "create percentile scratch file")
		}
		cols[i].scratch = f
		cols[i].scratchWriter = bufio.NewWriterSize(f, 1<<16)
	}
	defer func() {
		for _, c := range cols {
			if c.scratch != nil {
				name := c.scratch.Name()
				_ = c.scratch.Close()
				_ = os.Remove(name)
			}
		}
	}()

	for {
		site, rerr := tr.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
		good := site.Good()
		for i := 0; i < n; i++ {
			if site.Missing[i] {
				cols[i].nMissing++
				continue
			}
			v := site.Raw[i]
			cols[i].nAll++
			if v < cols[i].allMin || !cols[i].sawAll {
				cols[i].allMin = v
			}
			if v > cols[i].allMax || !cols[i].sawAll {
				cols[i].allMax = v
			}
			cols[i].sawAll = true
			isGood := 0
			if good {
				cols[i].nGood++
				isGood = 1
				if v < cols[i].goodMin || !cols[i].sawGood {
					cols[i].goodMin = v
				}
				if v > cols[i].goodMax || !cols[i].sawGood {
					cols[i].goodMax = v
				}
				cols[i].sawGood = true
			}
			fmt.Fprintf(cols[i].scratchWriter, "%.17g\t%d\n", v, isGood)
		}
	}

	out := make([]ColumnStat, n)
	for i := range cols {
		if err := cols[i].scratchWriter.Flush(); err != nil {
			return nil, errors.E(err, "flush percentile scratch file", cols[i].name)
		}
		lo, hi, err := computePercentiles(cols[i].scratch.Name(), cols[i].nAll, loPctl, hiPctl)
		if err != nil {
			return nil, err
		}
		cs := ColumnStat{
			Name:     cols[i].name,
			NAll:     cols[i].nAll,
			NGood:    cols[i].nGood,
			NMissing: cols[i].nMissing,
			ScaleLo:  lo,
			ScaleHi:  hi,
		}
		if cols[i].sawAll {
			cs.AllMin, cs.AllMax = cols[i].allMin, cols[i].allMax
		}
		if cols[i].sawGood {
			cs.GoodMin, cs.GoodMax = cols[i].goodMin, cols[i].goodMax
		}
		out[i] = cs
	}
	return &DistributionStats{Columns: out, index: buildIndex(out)}, nil
}

// computePercentiles external-sorts a scratch file of "value\tisGood" lines
// and returns the values at the lo/hi percentile ranks, per spec §4.2.
func computePercentiles(scratchPath string, n int64, loPctl, hiPctl float64) (lo, hi float64, err error) {
	if n == 0 {
		return 0, 0, nil
	}
	sortedPath, err := externalSortNumeric(scratchPath)
	if err != nil {
		return 0, 0, err
	}
	defer os.Remove(sortedPath)

	f, err := os.Open(sortedPath)
	if err != nil {
		return 0, 0, errors.E(err, "open sorted percentile file", sortedPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		i        int64
		loSet    bool
		hiSet    bool
		lastVal  float64
	)
	for scanner.Scan() {
		i++
		line := scanner.Text()
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		v, perr := strconv.ParseFloat(line[:tab], 64)
		if perr != nil {
			continue
		}
		lastVal = v
		pct := 100 * float64(i) / float64(n)
		if !loSet && pct > loPctl {
			lo = v
			loSet = true
		}
		if !hiSet && pct > hiPctl {
			hi = v
			hiSet = true
		}
	}
	if serr := scanner.Err(); serr != nil {
		return 0, 0, errors.E(serr, "scan sorted percentile file", sortedPath)
	}
	if !loSet {
		lo = lastVal
	}
	if !hiSet {
		hi = lastVal
	}
	return lo, hi, nil
}

// externalSortNumeric invokes the host `sort` utility to numerically sort
// scratchPath by its first (tab-separated) column, per spec §5/§9. Returns
// the path to a new temp file holding the sorted output; the caller owns
// removing it.
func externalSortNumeric(scratchPath string) (string, error) {
	out, err := ioutil.TempFile("", "bio-som-filter-sorted-*.tsv")
	if err != nil {
		return "", errors.E(err, "create sort output file")
	}
	defer out.Close()

	args := []string{"-n", "-k1,1", "-t", "\t"}
	if extra := os.Getenv(sortArgsEnvVar); extra != "" {
		if !sortArgsPattern.MatchString(extra) {
			return "", errors.E("invalid characters in", sortArgsEnvVar, ":", extra)
		}
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, scratchPath)

	cmd := exec.Command("sort", args...)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", errors.E(err, "external sort of", scratchPath)
	}
	return out.Name(), nil
}
