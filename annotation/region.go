package annotation

import (
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Region restricts a TableReader pass to a single contiguous genomic
// interval, the region-restriction tunable named in spec §6's CLI
// surface. Lo and Hi are inclusive, 1-based, matching the table's own POS
// column convention.
type Region struct {
	Chrom  string
	Lo, Hi PosType
}

// ParseRegion parses a "chrom:lo-hi" string. A bare "chrom" (no colon)
// matches every position on that chromosome.
func ParseRegion(s string) (*Region, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		if s == "" {
			return nil, errors.E("empty chromosome in region:", s)
		}
		return &Region{Chrom: s, Lo: 0, Hi: PosType(1) << 62}, nil
	}
	chrom, rng := s[:colon], s[colon+1:]
	if chrom == "" {
		return nil, errors.E("empty chromosome in region:", s)
	}
	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return nil, errors.E("malformed region, want chrom:lo-hi, got:", s)
	}
	lo, hi := rng[:dash], rng[dash+1:]
	loVal, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return nil, errors.E(err, "malformed region lower bound in", s)
	}
	hiVal, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return nil, errors.E(err, "malformed region upper bound in", s)
	}
	if loVal > hiVal {
		return nil, errors.E("region lower bound exceeds upper bound in", s)
	}
	return &Region{Chrom: chrom, Lo: PosType(loVal), Hi: PosType(hiVal)}, nil
}

// Contains reports whether (chrom, pos) falls inside r.
func (r *Region) Contains(chrom string, pos PosType) bool {
	return r.Chrom == chrom && pos >= r.Lo && pos <= r.Hi
}
