package eval

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/base/tsv"

	"github.com/grailbio/som-filter/score"
)

// writeFakeSitesFile writes a gzip-compressed sites file (readable the same
// way a real bgzf sites file is, see dumpSitesToScratch) with the given
// "score\tclass\tfilter_mask\tchrom\tpos" body rows. Rows in this file use
// a bare 0/1 filter mask (no hard-filter bits set), which is a valid
// filter mask with its GOOD bit in the LSB.
func writeFakeSitesFile(t *testing.T, rows []string) string {
	t.Helper()
	f, err := os.CreateTemp("", "sites-*.gz")
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = io.WriteString(gz, "# bio-som-filter test: unit test\n")
	require.NoError(t, err)
	_, err = io.WriteString(gz, "# SCORE\tCLASS\tFILTER_MASK\tCHROM\tPOS\n")
	require.NoError(t, err)
	for _, row := range rows {
		_, err = io.WriteString(gz, row+"\n")
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return f.Name()
}

func readThresholdRows(t *testing.T, path string) []ThresholdRow {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := tsv.NewReader(f)
	r.HasHeaderRow = true
	r.Comment = '#'
	var rows []ThresholdRow
	for {
		var row ThresholdRow
		if rerr := r.Read(&row); rerr != nil {
			if rerr == io.EOF {
				break
			}
			require.NoError(t, rerr)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestEvaluatorSnpSweepEmitsRows(t *testing.T) {
	rows := []string{}
	// 100 sites, scores 0.00..0.99, alternating transition/transversion,
	// every 5th one tagged GOOD.
	for i := 0; i < 100; i++ {
		class := i % 2 // 0 transversion, 1 transition
		good := 0
		if i%5 == 0 {
			good = 1
		}
		rows = append(rows, scoreLine(float64(i)/100, class, good, "chr1", i+1))
	}
	sitesPath := writeFakeSitesFile(t, rows)
	defer os.Remove(sitesPath)

	outPath := sitesPath + ".tab"
	defer os.Remove(outPath)

	cfg := Config{
		VariantType: score.SNP,
		NGoodTotal:  20,
		ToolVersion: "test",
		CommandLine: "eval --test",
	}
	require.NoError(t, Run(context.Background(), sitesPath, outPath, cfg))

	out := readThresholdRows(t, outPath)
	require.NotEmpty(t, out)
	for _, row := range out {
		assert.GreaterOrEqual(t, row.Sensitivity, 0.0)
		assert.LessOrEqual(t, row.Sensitivity, 100.0)
	}
	// Sensitivity is non-decreasing as the score threshold (and thus n_all
	// consumed) increases, since n_good_seen only accumulates.
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i].Sensitivity, out[i-1].Sensitivity)
	}
}

func TestEvaluatorIndelMetricIsRepeatConsistency(t *testing.T) {
	rows := []string{
		scoreLine(0.1, 1, 1, "chr1", 1),
		scoreLine(0.2, 1, 0, "chr1", 2),
		scoreLine(0.3, 0, 0, "chr1", 3),
		scoreLine(0.4, 1, 0, "chr1", 4),
	}
	for i := 0; i < 30; i++ {
		rows = append(rows, scoreLine(0.5+float64(i)/100, 1, 1, "chr1", 100+i))
	}
	sitesPath := writeFakeSitesFile(t, rows)
	defer os.Remove(sitesPath)

	outPath := sitesPath + ".tab"
	defer os.Remove(outPath)

	cfg := Config{VariantType: score.INDEL, NGoodTotal: 30, ToolVersion: "t", CommandLine: "c"}
	require.NoError(t, Run(context.Background(), sitesPath, outPath, cfg))

	out := readThresholdRows(t, outPath)
	require.NotEmpty(t, out)
	for _, row := range out {
		assert.GreaterOrEqual(t, row.Metric, 0.0)
		assert.LessOrEqual(t, row.Metric, 1.0)
	}
}

func scoreLine(score float64, class, good int, chrom string, pos int) string {
	return fmt.Sprintf("%g\t%d\t%d\t%s\t%d", score, class, good, chrom, pos)
}
