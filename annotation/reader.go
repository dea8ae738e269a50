package annotation

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

// PosType is the 1-based genomic coordinate type used throughout this
// package.
type PosType int64

// Site is one parsed row of the annotation table. Chrom/Ref/Alt are valid
// until the next call to TableReader.Next; callers that need to retain them
// across calls must copy.
type Site struct {
	Chrom string
	Pos   PosType
	// Mask is the derived per-row bit-mask tag: bit 0 is always set, bit 1 is
	// set iff the row's MASK column intersects the configured good-mask.
	Mask byte
	Ref  string
	Alt  string

	// Values holds one scaled entry per user slot (catalog order), valid only
	// if scaling is active; otherwise it mirrors Raw.
	Values []float64
	// Raw holds one unscaled entry per user slot.
	Raw []float64
	// Missing[i] is true if user slot i had no usable value on this row.
	Missing []bool
	// NPresent is the number of non-missing user slots.
	NPresent int
	// PresentMask has bit i set iff user slot i is non-missing.
	PresentMask uint64
}

// Good reports whether the row carries the GOOD bit (spec §3 Good-mask).
func (s *Site) Good() bool { return s.Mask&2 != 0 }

// AllPresent reports whether every user slot on this row is non-missing.
func (s *Site) AllPresent(n int) bool { return s.NPresent == n }

// ScaleRange is the [lo, hi] percentile clamp for one user slot, as computed
// by DistributionStats.
type ScaleRange struct {
	Lo, Hi float64
}

// TableReader streams an annotation table: a newline-delimited,
// tab-separated, optionally gzip-compressed file whose header line is
// decorated with "[N]" column-index prefixes and whose first five columns
// are exactly CHROM, POS, MASK, REF, ALT.
type TableReader struct {
	closer   io.Closer
	br       *bufio.Reader
	rawHeader []string
	header   []string // [N]-prefix stripped

	catalog      *Catalog
	scaleRanges  []ScaleRange // nil if scaling inactive
	goodMaskBits uint64
	region       *Region // nil disables region restriction

	lineNum int
	site    Site
}

// ParseHeaderLine strips the "#" comment marker and the "[N]" index
// decoration from each field of a raw annotation-table header line.
func ParseHeaderLine(line string) ([]string, error) {
	line = strings.TrimPrefix(line, "#")
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.E("empty annotation table header")
	}
	rawFields := strings.Split(line, "\t")
	out := make([]string, len(rawFields))
	for i, f := range rawFields {
		if idx := strings.IndexByte(f, ']'); idx >= 0 && strings.HasPrefix(f, "[") {
			f = f[idx+1:]
		}
		out[i] = f
	}
	return out, nil
}

// OpenTableReader opens path (auto-detecting gzip by magic bytes) and parses
// its header line. The returned reader is not yet ready to produce Site
// records: call Configure with a Catalog built from Header() first.
func OpenTableReader(ctx context.Context, path string) (*TableReader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open annotation table", path)
	}
	r := f.Reader(ctx)
	br := bufio.NewReaderSize(r, 1<<20)
	peek, err := br.Peek(2)
	var reader io.Reader = br
	var closer io.Closer = multiCloser{nil, f, ctx}
	if err == nil && peek[0] == 0x1f && peek[1] == 0x8b {
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			_ = f.Close(ctx)
			return nil, errors.E(gzErr, "open gzip annotation table", path)
		}
		reader = gz
		closer = multiCloser{gz, f, ctx}
	}
	tr := &TableReader{
		closer: closer,
		br:     bufio.NewReaderSize(reader, 1<<20),
	}
	line, err := tr.br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, errors.E(err, "read annotation table header", path)
	}
	header, err := ParseHeaderLine(line)
	if err != nil {
		return nil, errors.E(err, path)
	}
	tr.rawHeader = header
	if len(header) < len(fixedColumns) {
		return nil, errors.E("malformed annotation table header in", path, ": too few columns")
	}
	for i, want := range fixedColumns {
		if header[i] != want {
			return nil, errors.E("malformed annotation table header in", path, ": column", i, "is", header[i], "want", want)
		}
	}
	tr.header = header
	tr.lineNum = 1
	return tr, nil
}

type multiCloser struct {
	gz  io.Closer
	f   file.File
	ctx context.Context
}

func (m multiCloser) Close() error {
	if m.gz != nil {
		if err := m.gz.Close(); err != nil {
			return err
		}
	}
	return m.f.Close(m.ctx)
}

// Header returns the stripped table header (column names in table order,
// including unselected columns).
func (tr *TableReader) Header() []string { return tr.rawHeader }

// Configure attaches a Catalog and the good-mask pattern to this reader and
// allocates its per-record scratch. scaleRanges may be nil to disable
// scaling (raw values only); otherwise it must have one entry per user slot
// in catalog.
func (tr *TableReader) Configure(catalog *Catalog, goodMaskPattern string, scaleRanges []ScaleRange) error {
	bits, err := parseMaskPattern(goodMaskPattern)
	if err != nil {
		return err
	}
	if scaleRanges != nil && len(scaleRanges) != catalog.NUserSlots() {
		return errors.E("scaleRanges length", len(scaleRanges), "does not match catalog user slot count", catalog.NUserSlots())
	}
	tr.catalog = catalog
	tr.goodMaskBits = bits
	tr.scaleRanges = scaleRanges
	n := catalog.NUserSlots()
	tr.site.Values = make([]float64, n)
	tr.site.Raw = make([]float64, n)
	tr.site.Missing = make([]bool, n)
	return nil
}

// SetRegion restricts subsequent Next calls to rows inside r. Passing nil
// disables region restriction.
func (tr *TableReader) SetRegion(r *Region) { tr.region = r }

// parseMaskPattern converts a "010"-style 0/1 pattern into a bitmask, where
// the leftmost character is bit 0.
func parseMaskPattern(pattern string) (uint64, error) {
	if len(pattern) > 64 {
		return 0, errors.E("mask pattern too long (max 64 characters):", pattern)
	}
	var bits uint64
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '1':
			bits |= 1 << uint(i)
		case '0':
		default:
			return 0, errors.E("mask pattern must contain only 0/1, got", pattern)
		}
	}
	return bits, nil
}

// Next parses the next row. It returns io.EOF when the table is exhausted.
// The returned *Site aliases scratch state owned by tr and is invalidated by
// the next call to Next.
func (tr *TableReader) Next() (*Site, error) {
	if tr.catalog == nil {
		return nil, errors.E("TableReader.Next called before Configure")
	}
	line, err := tr.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, errors.E(err, "read annotation table row", tr.lineNum+1)
		}
	}
	tr.lineNum++
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return tr.Next()
	}
	fields := strings.Split(line, "\t")
	if len(fields) != len(tr.header) {
		return nil, errors.E("truncated annotation table row", tr.lineNum, ": want", len(tr.header), "columns, got", len(fields))
	}

	s := &tr.site
	s.Chrom = fields[SlotChrom]
	posVal, err := strconv.ParseInt(fields[SlotPos], 10, 64)
	if err != nil {
		return nil, errors.E(err, "non-numeric POS at row", tr.lineNum)
	}
	s.Pos = PosType(posVal)

	if tr.region != nil && !tr.region.Contains(s.Chrom, s.Pos) {
		return tr.Next()
	}

	rowMaskBits, err := parseMaskPattern(fields[SlotMask])
	if err != nil {
		return nil, errors.E(err, "row", tr.lineNum)
	}
	s.Mask = 1
	if rowMaskBits&tr.goodMaskBits != 0 {
		s.Mask |= 2
	}
	s.Ref = fields[SlotRef]
	s.Alt = fields[SlotAlt]

	n := tr.catalog.NUserSlots()
	s.NPresent = 0
	s.PresentMask = 0
	for i := 0; i < n; i++ {
		s.Missing[i] = true
		s.Values[i] = 0
		s.Raw[i] = 0
	}
	for col := FirstUserSlot; col < len(fields); col++ {
		slot := tr.catalog.SlotOfColumn(col)
		if slot < 0 {
			continue
		}
		i := slot - FirstUserSlot
		field := fields[col]
		if field == "." {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.E(err, "non-numeric value for", tr.catalog.NameOfSlot(slot), "at row", tr.lineNum)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		s.Raw[i] = v
		if tr.scaleRanges != nil {
			s.Values[i] = Scale(v, tr.scaleRanges[i].Lo, tr.scaleRanges[i].Hi)
		} else {
			s.Values[i] = v
		}
		s.Missing[i] = false
		s.NPresent++
		s.PresentMask |= 1 << uint(i)
	}
	return s, nil
}

// Close releases the underlying file handle.
func (tr *TableReader) Close() error {
	if tr.closer == nil {
		return nil
	}
	return tr.closer.Close()
}

// SplitTabs is a small helper exposed for callers that need to inspect a
// raw table line without going through the full Site-producing path.
func SplitTabs(line []byte) [][]byte {
	return bytes.Split(line, []byte{'\t'})
}
