package train

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/filterexpr"
	"github.com/grailbio/som-filter/som"
)

func buildCatalog(t *testing.T) *annotation.Catalog {
	header, err := annotation.ParseHeaderLine("#CHROM\tPOS\tMASK\tREF\tALT\t[5]QUAL\t[6]DP")
	require.NoError(t, err)
	b, err := annotation.NewCatalogBuilder(header)
	require.NoError(t, err)
	require.NoError(t, b.Select("QUAL", true))
	require.NoError(t, b.Select("DP", true))
	return b.Build()
}

func writeTable(t *testing.T, lines []string) string {
	t.Helper()
	f, err := os.CreateTemp("", "table-*.tsv")
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestReservoirRespectsFraction(t *testing.T) {
	cfg := Config{N: 1000, F: 0.3, Seed: 7}
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, tr)

	learnCapacity := int(float64(cfg.N)*cfg.F + 0.5)
	goodCapacity := cfg.N - learnCapacity
	assert.Equal(t, 300, learnCapacity)
	assert.Equal(t, 700, goodCapacity)

	good := newReservoir(goodCapacity)
	learn := newReservoir(learnCapacity)
	for i := 0; i < 5000; i++ {
		good.offer([]float64{float64(i)}, tr.rng)
		learn.offer([]float64{float64(i)}, tr.rng)
	}
	assert.LessOrEqual(t, len(good.items), goodCapacity)
	assert.LessOrEqual(t, len(learn.items), learnCapacity)
	assert.Equal(t, goodCapacity, len(good.items))
	assert.Equal(t, learnCapacity, len(learn.items))
}

func TestEffectiveNCappedWhenDataScarce(t *testing.T) {
	good := newReservoir(700)
	learn := newReservoir(300)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 400; i++ {
		good.offer([]float64{float64(i)}, rng)
	}
	// No learn candidates offered: learn.seen stays 0.
	effectiveN := 1000
	if len(good.items)+len(learn.items) < 1000 {
		effectiveN = len(good.items) + len(learn.items)
	}
	assert.Equal(t, 400, effectiveN)
}

func TestFilterExprGatesLearnReservoir(t *testing.T) {
	catalog := buildCatalog(t)
	resolver := &filterexprResolverAdapter{catalog: catalog}
	expr, err := filterexpr.Parse("QUAL>=30", false, resolver)
	require.NoError(t, err)

	passing := []float64{40, 10}
	failing := []float64{10, 10}
	assert.False(t, filterexpr.Failed(expr.Evaluate(passing)))
	assert.True(t, filterexpr.Failed(expr.Evaluate(failing)))
}

// filterexprResolverAdapter resolves against an already-built Catalog, for
// tests that need a real slot layout instead of a stub.
type filterexprResolverAdapter struct {
	catalog *annotation.Catalog
}

func (a *filterexprResolverAdapter) ResolveSlot(name string) (int, error) {
	for i := 0; i < a.catalog.NUserSlots(); i++ {
		slot := annotation.FirstUserSlot + i
		if a.catalog.NameOfSlot(slot) == name {
			return i, nil
		}
	}
	panic("unresolved test annotation: " + name)
}

func (a *filterexprResolverAdapter) ScaleThreshold(slot int, raw float64) float64 { return raw }

func TestProjectSomVectorUsesLocalIndexing(t *testing.T) {
	catalog := buildCatalog(t)
	site := &annotation.Site{Values: []float64{0.25, 0.75}}
	v := projectSomVector(site, catalog.SomSlots())
	assert.Equal(t, []float64{0.25, 0.75}, v)
}

func TestRunTrainsEngineFromReservoirs(t *testing.T) {
	catalog := buildCatalog(t)
	lines := []string{
		"#CHROM\tPOS\tMASK\tREF\tALT\t[5]QUAL\t[6]DP",
	}
	for i := 0; i < 50; i++ {
		lines = append(lines, "chr1\t"+strconv.Itoa(i+1)+"\t10\tA\tC\t0.5\t0.5")
	}
	path := writeTable(t, lines)
	defer os.Remove(path)

	ctx := context.Background()
	tr, err := annotation.OpenTableReader(ctx, path)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Configure(catalog, "10", nil))

	cfg := Config{N: 20, F: 0.5, Seed: 3}
	result, err := Run(ctx, tr, catalog, cfg, func(n int) (*som.Engine, error) {
		somCfg := som.DefaultConfig()
		somCfg.D = len(catalog.SomSlots())
		somCfg.N = n
		somCfg.Seed = 99
		return som.NewEngine(somCfg)
	})
	require.NoError(t, err)
	assert.Greater(t, result.GoodCount, 0)
	assert.NotNil(t, result.Engine)
}
