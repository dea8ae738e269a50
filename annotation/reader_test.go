package annotation

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempTable(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp("", "annotation-table-*.tsv")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func openConfigured(t *testing.T, path, goodMask string, scaleRanges []ScaleRange, selectNames []string) *TableReader {
	t.Helper()
	tr, err := OpenTableReader(context.Background(), path)
	require.NoError(t, err)
	b, err := NewCatalogBuilder(tr.Header())
	require.NoError(t, err)
	for _, n := range selectNames {
		require.NoError(t, b.Select(n, true))
	}
	c := b.Build()
	require.NoError(t, tr.Configure(c, goodMask, scaleRanges))
	return tr
}

func TestParseHeaderLineStripsHashAndIndexDecoration(t *testing.T) {
	header, err := ParseHeaderLine("#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\t[5]QUAL\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"CHROM", "POS", "MASK", "REF", "ALT", "QUAL"}, header)
}

func TestParseHeaderLineRejectsEmpty(t *testing.T) {
	_, err := ParseHeaderLine("\n")
	require.Error(t, err)
}

func TestTableReaderParsesRowsAndMissingValues(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\t[5]QUAL\t[6]DP\n"+
		"chr1\t100\t10\tA\tG\t30.0\t.\n"+
		"chr1\t200\t00\tC\tT\t.\t50.0\n")
	tr := openConfigured(t, path, "10", nil, []string{"QUAL", "DP"})
	defer tr.Close()

	s, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "chr1", s.Chrom)
	assert.Equal(t, PosType(100), s.Pos)
	assert.True(t, s.Good())
	assert.False(t, s.Missing[0])
	assert.Equal(t, 30.0, s.Raw[0])
	assert.True(t, s.Missing[1])
	assert.Equal(t, 1, s.NPresent)
	assert.False(t, s.AllPresent(2))

	s, err = tr.Next()
	require.NoError(t, err)
	assert.False(t, s.Good())
	assert.True(t, s.Missing[0])
	assert.False(t, s.Missing[1])

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestTableReaderGoodMaskBitPattern(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\n"+
		"chr1\t1\t01\tA\tG\n"+
		"chr1\t2\t10\tA\tG\n")
	// good-mask "01" means bit 1 (second character) must be set to be GOOD.
	tr := openConfigured(t, path, "01", nil, nil)
	defer tr.Close()

	s1, err := tr.Next()
	require.NoError(t, err)
	assert.True(t, s1.Good())

	s2, err := tr.Next()
	require.NoError(t, err)
	assert.False(t, s2.Good())
}

func TestTableReaderScalesValuesWhenConfigured(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\t[5]QUAL\n"+
		"chr1\t1\t00\tA\tG\t5\n")
	tr := openConfigured(t, path, "1", []ScaleRange{{Lo: 0, Hi: 10}}, []string{"QUAL"})
	defer tr.Close()

	s, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Raw[0])
	assert.Equal(t, 0.5, s.Values[0])
}

func TestTableReaderRejectsTruncatedRow(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\t[5]QUAL\n"+
		"chr1\t1\t00\tA\tG\n")
	tr := openConfigured(t, path, "1", nil, []string{"QUAL"})
	defer tr.Close()

	_, err := tr.Next()
	require.Error(t, err)
}

func TestTableReaderRejectsNonNumericPos(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\t[2]MASK\t[3]REF\t[4]ALT\t[5]QUAL\n"+
		"chr1\tnotanumber\t00\tA\tG\t1\n")
	tr := openConfigured(t, path, "1", nil, []string{"QUAL"})
	defer tr.Close()

	_, err := tr.Next()
	require.Error(t, err)
}

func TestOpenTableReaderRejectsMalformedHeader(t *testing.T) {
	path := writeTempTable(t, "#[0]CHROM\t[1]POS\n")
	_, err := OpenTableReader(context.Background(), path)
	require.Error(t, err)
}
