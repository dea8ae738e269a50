package annotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(extra ...string) []string {
	return append([]string{"CHROM", "POS", "MASK", "REF", "ALT"}, extra...)
}

func TestNewCatalogBuilderRejectsShortHeader(t *testing.T) {
	_, err := NewCatalogBuilder([]string{"CHROM", "POS"})
	require.Error(t, err)
}

func TestNewCatalogBuilderRejectsWrongFixedColumn(t *testing.T) {
	_, err := NewCatalogBuilder([]string{"CHROM", "POS", "MASK", "REF", "QUAL"})
	require.Error(t, err)
}

func TestNewCatalogBuilderRejectsDuplicateColumnName(t *testing.T) {
	_, err := NewCatalogBuilder(header("QUAL", "QUAL"))
	require.Error(t, err)
}

func TestSelectAssignsStableSlotOrder(t *testing.T) {
	b, err := NewCatalogBuilder(header("QUAL", "DP", "MQ"))
	require.NoError(t, err)

	require.NoError(t, b.Select("DP", true))
	require.NoError(t, b.Select("QUAL", false))
	c := b.Build()

	require.Equal(t, 2, c.NUserSlots())
	assert.Equal(t, "DP", c.NameOfSlot(FirstUserSlot))
	assert.Equal(t, "QUAL", c.NameOfSlot(FirstUserSlot+1))
	assert.True(t, c.IsSomSlot(FirstUserSlot))
	assert.False(t, c.IsSomSlot(FirstUserSlot+1))
	assert.Equal(t, []int{FirstUserSlot}, c.SomSlots())
}

func TestSelectIsIdempotentAndKeepsFirstSomFlag(t *testing.T) {
	b, err := NewCatalogBuilder(header("QUAL"))
	require.NoError(t, err)

	require.NoError(t, b.Select("QUAL", true))
	require.NoError(t, b.Select("QUAL", false)) // second call must be a no-op
	c := b.Build()

	require.Equal(t, 1, c.NUserSlots())
	assert.True(t, c.IsSomSlot(FirstUserSlot))
}

func TestSelectRejectsUnknownColumn(t *testing.T) {
	b, err := NewCatalogBuilder(header("QUAL"))
	require.NoError(t, err)
	err = b.Select("NOPE", true)
	require.Error(t, err)
}

func TestSelectRejectsOverflowOfMaxSlots(t *testing.T) {
	extra := make([]string, MaxSlots+1)
	for i := range extra {
		extra[i] = "A" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	b, err := NewCatalogBuilder(header(extra...))
	require.NoError(t, err)

	for i := 0; i < MaxSlots; i++ {
		require.NoError(t, b.Select(extra[i], false))
	}
	err = b.Select(extra[MaxSlots], false)
	require.Error(t, err)
}

func TestColumnOfSlotAndSlotOfColumnRoundTrip(t *testing.T) {
	b, err := NewCatalogBuilder(header("QUAL", "DP"))
	require.NoError(t, err)
	require.NoError(t, b.Select("DP", true))
	c := b.Build()

	dpCol := 6 // CHROM,POS,MASK,REF,ALT,QUAL,DP -> index 6
	assert.Equal(t, FirstUserSlot, c.SlotOfColumn(dpCol))
	assert.Equal(t, dpCol, c.ColumnOfSlot(FirstUserSlot))
	assert.Equal(t, -1, c.SlotOfColumn(5)) // QUAL column never selected
}
