// Package refctx implements the reference-sequence indel-context
// collaborator described in spec §4.7/§9: given a variant's (chrom, pos,
// ref, alt), determine the local tandem-repeat unit length (nlen), the
// number of repeat units observed around the site in the reference
// (nrep), and the variant's net length change (ndel). Real production
// callers would wire score.IndelContext to whatever reference-walking
// machinery they already operate; the contract is deliberately all that
// spec §9 asks this tool to own. FaidxContext below is a small, complete
// implementation provided so the scorer has something real to call during
// indel runs: it parses a samtools .fai index and seeks directly into the
// reference fasta for each query, grounded on
// encoding/fastq/downsample.go's file.File.Reader(ctx).Seek pattern for
// random access into a flat file rather than an indexed-load-to-memory
// reader (the out-of-scope repeat-walking machinery this contract stands
// in for never needed one).
package refctx

import (
	"context"
	"io"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"

	"github.com/grailbio/som-filter/annotation"
)

// flankWindow is how many reference bases on each side of a variant this
// implementation scans while counting tandem repeat units.
const flankWindow = 200

// seqGetter is the one faidxReader lookup this package actually needs,
// broken out so tests can supply a fake without touching the filesystem.
type seqGetter interface {
	Get(seqName string, start, end uint64) (string, error)
}

// FaidxContext answers indel-context queries against a faidx-indexed
// reference fasta.
type FaidxContext struct {
	seq        seqGetter
	underlying file.File
}

// Open opens fastaPath and its companion fastaPath+".fai" index (the
// samtools faidx format, per spec §6).
func Open(ctx context.Context, fastaPath string) (*FaidxContext, error) {
	fa, err := file.Open(ctx, fastaPath)
	if err != nil {
		return nil, errors.Wrap(err, "refctx: open reference fasta")
	}
	fai, err := file.Open(ctx, fastaPath+".fai")
	if err != nil {
		_ = fa.Close(ctx)
		return nil, errors.Wrap(err, "refctx: open reference fasta index")
	}
	defer func() { _ = fai.Close(ctx) }()

	entries, err := parseFaidx(fai.Reader(ctx))
	if err != nil {
		_ = fa.Close(ctx)
		return nil, errors.Wrap(err, "refctx: parse reference index")
	}
	rs, ok := fa.Reader(ctx).(io.ReadSeeker)
	if !ok {
		_ = fa.Close(ctx)
		return nil, errors.E("refctx: reference fasta reader does not support seeking")
	}
	return &FaidxContext{seq: newFaidxReader(rs, entries), underlying: fa}, nil
}

// Close releases the underlying reference fasta handle.
func (c *FaidxContext) Close(ctx context.Context) error {
	if c.underlying == nil {
		return nil
	}
	return c.underlying.Close(ctx)
}

// Classify implements score.IndelContext.
func (c *FaidxContext) Classify(chrom string, pos annotation.PosType, ref, alt string) (nrep, nlen, ndel int, err error) {
	ndel = len(alt) - len(ref)
	unit := indelUnit(ref, alt)
	if unit == "" {
		return 0, 0, ndel, nil
	}
	nlen = minimalPeriod(unit)

	p := uint64(pos)
	var flankStart uint64
	if p > flankWindow {
		flankStart = p - flankWindow
	}
	flankEnd := p + flankWindow

	seq, gerr := c.seq.Get(chrom, flankStart, flankEnd)
	if gerr != nil {
		return 0, 0, 0, errors.Wrap(gerr, "refctx: fetch flanking reference sequence")
	}
	nrep = countRepeatUnits(seq, unit[:nlen])
	return nrep, nlen, ndel, nil
}

// indelUnit returns the bases inserted or deleted by a simple indel,
// after stripping the common prefix shared by ref and alt (VCF-style
// indel representations always share at least one anchor base). Returns
// "" if ref and alt have equal length (not a simple indel) or share no
// distinguishing suffix.
func indelUnit(ref, alt string) string {
	longer, shorter := ref, alt
	if len(alt) > len(ref) {
		longer, shorter = alt, ref
	}
	if len(longer) == len(shorter) {
		return ""
	}
	i := 0
	for i < len(shorter) && longer[i] == shorter[i] {
		i++
	}
	return longer[i:]
}

// minimalPeriod returns the length of the smallest substring whose
// repetition reconstructs s (e.g. "ATAT" -> 2, "ATG" -> 3).
func minimalPeriod(s string) int {
	n := len(s)
	for period := 1; period < n; period++ {
		if n%period != 0 {
			continue
		}
		ok := true
		for i := period; i < n; i++ {
			if s[i] != s[i%period] {
				ok = false
				break
			}
		}
		if ok {
			return period
		}
	}
	return n
}

// countRepeatUnits returns the length of the longest run of consecutive
// copies of unit found anywhere in seq.
func countRepeatUnits(seq, unit string) int {
	if unit == "" {
		return 0
	}
	best := 0
	n := len(unit)
	for start := 0; start+n <= len(seq); start++ {
		count := 0
		for start+count*n+n <= len(seq) && seq[start+count*n:start+count*n+n] == unit {
			count++
		}
		if count > best {
			best = count
		}
	}
	return best
}
