package annotation

import (
	"strings"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
)

// MaxSlots is the largest number of user-selected annotation slots this
// package supports. It is dictated by the 64-bit presence/failure bitmasks
// used on the per-row hot path; one bit is reserved so that a fully-missing
// record can still be distinguished from a used-up mask.
const MaxSlots = 62

// fixedColumns lists the mandatory, positionally-fixed leading columns of
// the annotation table.
var fixedColumns = [...]string{"CHROM", "POS", "MASK", "REF", "ALT"}

// Slot indices of the fixed columns.
const (
	SlotChrom = 0
	SlotPos   = 1
	SlotMask  = 2
	SlotRef   = 3
	SlotAlt   = 4
	// FirstUserSlot is the slot index of the first user-selected annotation.
	FirstUserSlot = 5
)

// Catalog maps table column indices to selected slot indices and back. Slots
// 0..4 are the fixed CHROM/POS/MASK/REF/ALT columns; slots >= FirstUserSlot
// are user-selected (or filter-implied) annotations, in the stable order
// they were added.
type Catalog struct {
	// columnNames holds every column name from the table header, in table
	// order, including unselected/ignored ones.
	columnNames []string
	// slotOfColumn[i] is the slot index for table column i, or -1 if the
	// column is not selected.
	slotOfColumn []int
	// columnOfSlot[s-FirstUserSlot] is the table column index for user slot s.
	columnOfSlot []int
	// somDimension[s-FirstUserSlot] is true if user slot s participates in
	// the SOM input vector (as opposed to being filter-only).
	somDimension []bool
	// names[s-FirstUserSlot] is the annotation name for user slot s.
	names []string
}

// NSlots returns the total number of slots (5 fixed + selected user slots).
func (c *Catalog) NSlots() int { return FirstUserSlot + len(c.names) }

// NUserSlots returns the number of user-selected annotation slots.
func (c *Catalog) NUserSlots() int { return len(c.names) }

// ColumnNames returns the full table header, in table order.
func (c *Catalog) ColumnNames() []string { return c.columnNames }

// SlotOfColumn returns the slot index for the given table column index, or
// -1 if that column is not selected.
func (c *Catalog) SlotOfColumn(col int) int { return c.slotOfColumn[col] }

// ColumnOfSlot returns the table column index backing the given user slot.
func (c *Catalog) ColumnOfSlot(slot int) int { return c.columnOfSlot[slot-FirstUserSlot] }

// NameOfSlot returns the annotation name of the given user slot.
func (c *Catalog) NameOfSlot(slot int) string { return c.names[slot-FirstUserSlot] }

// IsSomSlot reports whether the given user slot participates in the SOM
// input vector.
func (c *Catalog) IsSomSlot(slot int) bool { return c.somDimension[slot-FirstUserSlot] }

// SomSlots returns, in stable order, the user slots that participate in the
// SOM input vector. Its length is D in spec terms.
func (c *Catalog) SomSlots() []int {
	out := make([]int, 0, len(c.names))
	for i, isSom := range c.somDimension {
		if isSom {
			out = append(out, FirstUserSlot+i)
		}
	}
	return out
}

// CatalogBuilder incrementally constructs a Catalog, rejecting overflow of
// MaxSlots at configuration time rather than at the first overflowing row.
// This realizes the "typed builder" redesign described for the slot-tracking
// bitmask scheme: callers add slots up front (SOM selection, then any
// filter-only extras) and only then finalize a Catalog, so misconfiguration
// is caught before a single row is read.
type CatalogBuilder struct {
	header       []string
	colIndex     map[string]int
	slotOfColumn []int
	columnOfSlot []int
	somDimension []bool
	names        []string
	nameSlot     map[string]int
	nameHash     map[uint64]string // detects distinct names sharing a hash, see NewCatalogBuilder.
}

// NewCatalogBuilder parses a table header line (already split on tabs, with
// the "[N]" index decoration already stripped from each field) and verifies
// the mandatory fixed prefix.
func NewCatalogBuilder(header []string) (*CatalogBuilder, error) {
	if len(header) < len(fixedColumns) {
		return nil, errors.E("annotation table header too short, want at least", len(fixedColumns), "columns, got", len(header))
	}
	for i, want := range fixedColumns {
		if header[i] != want {
			return nil, errors.E("malformed annotation table header: column", i, "is", header[i], "want", want)
		}
	}
	colIndex := make(map[string]int, len(header))
	nameHash := make(map[uint64]string, len(header))
	for i, name := range header {
		if _, dup := colIndex[name]; dup {
			return nil, errors.E("duplicate column name in annotation table header:", name)
		}
		colIndex[name] = i
		h := farm.Hash64([]byte(name))
		if other, collide := nameHash[h]; collide && other != name {
			// Extraordinarily unlikely for real annotation tables, but a
			// builder that silently ignored a hash collision would produce
			// impossible-to-debug duplicate-name reports later, so treat it
			// the same as an exact duplicate.
			return nil, errors.E("column name hash collision in annotation table header:", name, "vs", other)
		}
		nameHash[h] = name
	}
	slotOfColumn := make([]int, len(header))
	for i := range slotOfColumn {
		slotOfColumn[i] = -1
	}
	return &CatalogBuilder{
		header:       header,
		colIndex:     colIndex,
		slotOfColumn: slotOfColumn,
		nameSlot:     make(map[string]int),
		nameHash:     nameHash,
	}, nil
}

// Select assigns a slot to the named column if it does not already have one.
// som controls whether the slot is included in the SOM input vector; a name
// requested once as som=true and again as som=false (or vice versa) keeps
// whichever was set first, matching the "annotation is implicitly added the
// first time it's referenced" rule in spec §4.4.
func (b *CatalogBuilder) Select(name string, som bool) error {
	name = strings.TrimSpace(name)
	if _, already := b.nameSlot[name]; already {
		return nil
	}
	col, ok := b.colIndex[name]
	if !ok {
		return errors.E("unknown annotation requested:", name)
	}
	if len(b.names) >= MaxSlots {
		return errors.E("too many selected annotations (max", MaxSlots, "); rejected at:", name)
	}
	slot := FirstUserSlot + len(b.names)
	b.slotOfColumn[col] = slot
	b.columnOfSlot = append(b.columnOfSlot, col)
	b.somDimension = append(b.somDimension, som)
	b.names = append(b.names, name)
	b.nameSlot[name] = slot
	return nil
}

// Build finalizes the Catalog.
func (b *CatalogBuilder) Build() *Catalog {
	return &Catalog{
		columnNames:  b.header,
		slotOfColumn: b.slotOfColumn,
		columnOfSlot: b.columnOfSlot,
		somDimension: b.somDimension,
		names:        b.names,
	}
}
