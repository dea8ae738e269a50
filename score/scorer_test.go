package score

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/filterexpr"
	"github.com/grailbio/som-filter/som"
)

func TestClassifySNPTransitionsAndTransversions(t *testing.T) {
	// A<->G and C<->T are transitions (purine<->purine, pyrimidine<->pyrimidine).
	assert.Equal(t, 1, ClassifySNP("A", "G"))
	assert.Equal(t, 1, ClassifySNP("G", "A"))
	assert.Equal(t, 1, ClassifySNP("C", "T"))
	assert.Equal(t, 1, ClassifySNP("T", "C"))
	// A<->C, A<->T, G<->C, G<->T are transversions.
	assert.Equal(t, 0, ClassifySNP("A", "C"))
	assert.Equal(t, 0, ClassifySNP("A", "T"))
	assert.Equal(t, 0, ClassifySNP("G", "C"))
	assert.Equal(t, 0, ClassifySNP("G", "T"))
}

func TestClassifySNPUnknownBaseIsTransversion(t *testing.T) {
	assert.Equal(t, 0, ClassifySNP("N", "A"))
	assert.Equal(t, 0, ClassifySNP("", "A"))
}

type fakeIndelContext struct {
	nrep, nlen, ndel int
	err              error
}

func (f *fakeIndelContext) Classify(chrom string, pos annotation.PosType, ref, alt string) (int, int, int, error) {
	return f.nrep, f.nlen, f.ndel, f.err
}

func TestClassifyIndelNilContext(t *testing.T) {
	class, err := ClassifyIndel(nil, "chr1", 0, "A", "AT")
	require.NoError(t, err)
	assert.Equal(t, 2, class)
}

func TestClassifyIndelNotInformative(t *testing.T) {
	ctx := &fakeIndelContext{nrep: 1, nlen: 3, ndel: 3}
	class, err := ClassifyIndel(ctx, "chr1", 0, "A", "AAAA")
	require.NoError(t, err)
	assert.Equal(t, 2, class)

	ctx2 := &fakeIndelContext{nrep: 5, nlen: 1, ndel: 1}
	class, err = ClassifyIndel(ctx2, "chr1", 0, "A", "AA")
	require.NoError(t, err)
	assert.Equal(t, 2, class)
}

func TestClassifyIndelConsistentAndInconsistent(t *testing.T) {
	consistent := &fakeIndelContext{nrep: 5, nlen: 3, ndel: -3}
	class, err := ClassifyIndel(consistent, "chr1", 0, "AAAA", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, class)

	inconsistent := &fakeIndelContext{nrep: 5, nlen: 3, ndel: -2}
	class, err = ClassifyIndel(inconsistent, "chr1", 0, "AAA", "A")
	require.NoError(t, err)
	assert.Equal(t, 0, class)
}

func TestClassifyIndelPropagatesError(t *testing.T) {
	ctx := &fakeIndelContext{err: assert.AnError}
	_, err := ClassifyIndel(ctx, "chr1", 0, "AAA", "A")
	require.Error(t, err)
}

func buildScoreTestCatalog(t *testing.T) *annotation.Catalog {
	t.Helper()
	header, err := annotation.ParseHeaderLine("#CHROM\tPOS\tMASK\tREF\tALT\t[5]QUAL")
	require.NoError(t, err)
	b, err := annotation.NewCatalogBuilder(header)
	require.NoError(t, err)
	require.NoError(t, b.Select("QUAL", true))
	return b.Build()
}

func writeScoreTestTable(t *testing.T, lines []string) string {
	t.Helper()
	f, err := os.CreateTemp("", "sites-table-*.tsv")
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

// TestRunPacksFixedFilterFailuresAboveTheGoodBit exercises spec §6's
// "filter-mask-with-good-bit-in-LSB" sites-file column: a site that fails
// the configured hard filter must produce a mask with bit 1 set (the
// filter's only predicate) in addition to whatever the GOOD bit is.
func TestRunPacksFixedFilterFailuresAboveTheGoodBit(t *testing.T) {
	catalog := buildScoreTestCatalog(t)
	lines := []string{
		"#CHROM\tPOS\tMASK\tREF\tALT\t[5]QUAL",
		"chr1\t1\t10\tA\tC\t0.9", // GOOD, fails QUAL<0.5 filter
		"chr1\t2\t00\tA\tG\t0.1", // not GOOD, passes QUAL<0.5 filter
	}
	path := writeScoreTestTable(t, lines)
	defer os.Remove(path)

	ctx := context.Background()
	tr, err := annotation.OpenTableReader(ctx, path)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Configure(catalog, "10", nil))

	somCfg := som.DefaultConfig()
	somCfg.D = len(catalog.SomSlots())
	somCfg.N = 1
	engine, err := som.NewEngine(somCfg)
	require.NoError(t, err)
	engine.Normalize()

	fixedFilter := &filterexpr.Expr{
		Predicates: []filterexpr.Predicate{
			{Name: "QUAL", Op: filterexpr.OpLT, Threshold: 0.5, Slot: 0},
		},
	}

	outPath, err := os.CreateTemp("", "sites-*.gz")
	require.NoError(t, err)
	require.NoError(t, outPath.Close())
	defer os.Remove(outPath.Name())

	scorer := NewScorer(Config{
		VariantType: SNP,
		FixedFilter: fixedFilter,
		ToolVersion: "test",
		CommandLine: "score --test",
	}, engine, catalog, nil)
	require.NoError(t, scorer.Run(ctx, tr, outPath.Name()))

	f, err := os.Open(outPath.Name())
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var masks []uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 5)
		mask, perr := strconv.ParseUint(fields[2], 10, 64)
		require.NoError(t, perr)
		masks = append(masks, mask)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, masks, 2)

	// QUAL=0.9 fails "QUAL<0.5" (bit 1 set) and is GOOD (bit 0 set): mask 3.
	assert.Equal(t, uint64(3), masks[0])
	// QUAL=0.1 passes "QUAL<0.5" (bit 1 clear) and is not GOOD: mask 0.
	assert.Equal(t, uint64(0), masks[1])
}
