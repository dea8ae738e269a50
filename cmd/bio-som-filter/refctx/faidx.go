package refctx

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// faidxEntry is one parsed row of a samtools-faidx-format index: sequence
// length, byte offset of its first base, bases per line, and bytes per
// line (bases plus line terminator).
type faidxEntry struct {
	length, offset, lineBases, lineWidth int64
}

// parseFaidx parses a ".fai" index: NAME\tLENGTH\tOFFSET\tLINEBASES\tLINEWIDTH
// per line, the format spec §6 names and the same one fasta.GenerateIndex
// in the teacher's encoding/fasta package produces.
func parseFaidx(r io.Reader) (map[string]faidxEntry, error) {
	entries := make(map[string]faidxEntry)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return nil, errors.E("refctx: malformed .fai line, want 5 columns, got", len(fields), ":", line)
		}
		length, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.E(err, "refctx: malformed .fai length in", line)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, errors.E(err, "refctx: malformed .fai offset in", line)
		}
		lineBases, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, errors.E(err, "refctx: malformed .fai linebases in", line)
		}
		lineWidth, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, errors.E(err, "refctx: malformed .fai linewidth in", line)
		}
		entries[fields[0]] = faidxEntry{length: length, offset: offset, lineBases: lineBases, lineWidth: lineWidth}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "refctx: scan .fai index")
	}
	return entries, nil
}

// faidxReader answers byte-range lookups into a faidx-indexed reference
// fasta by seeking directly to the requested bases rather than loading a
// sequence into memory, grounded on encoding/fastq/downsample.go's
// file.File.Reader(ctx).Seek pattern for random access into a flat file.
type faidxReader struct {
	r       io.ReadSeeker
	entries map[string]faidxEntry
}

func newFaidxReader(r io.ReadSeeker, entries map[string]faidxEntry) *faidxReader {
	return &faidxReader{r: r, entries: entries}
}

// Get returns the half-open base range [start, end) of seqName, capitalized
// with every non-ACGT byte replaced by 'N' (the same cleanup
// biosimd.CleanASCIISeqInplace performed in the teacher's indexed fasta
// reader). end is clamped to the sequence length.
func (f *faidxReader) Get(seqName string, start, end uint64) (string, error) {
	e, ok := f.entries[seqName]
	if !ok {
		return "", errors.E("refctx: unknown reference sequence", seqName)
	}
	if e.lineBases <= 0 || e.lineWidth <= 0 {
		return "", errors.E("refctx: degenerate .fai entry for", seqName)
	}
	if end > uint64(e.length) {
		end = uint64(e.length)
	}
	if start >= end {
		return "", nil
	}

	startLine := int64(start) / e.lineBases
	byteOffset := e.offset + startLine*e.lineWidth + int64(start)%e.lineBases
	if _, err := f.r.Seek(byteOffset, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "refctx: seek reference fasta")
	}

	nBases := end - start
	out := make([]byte, 0, nBases)
	br := bufio.NewReaderSize(f.r, 4096)
	for uint64(len(out)) < nBases {
		b, err := br.ReadByte()
		if err != nil {
			return "", errors.Wrap(err, "refctx: read reference fasta")
		}
		if b == '\n' || b == '\r' {
			continue
		}
		out = append(out, cleanBase(b))
	}
	return string(out), nil
}

// cleanBase capitalizes a/c/g/t and maps everything else to 'N'.
func cleanBase(b byte) byte {
	switch b {
	case 'A', 'a':
		return 'A'
	case 'C', 'c':
		return 'C'
	case 'G', 'g':
		return 'G'
	case 'T', 't':
		return 'T'
	default:
		return 'N'
	}
}
