package annotation

import "context"

// Context is the explicit pipeline state of a train run, shared by its
// training and scoring passes, replacing the single process-wide argument
// container the original design relied on (spec §9 "Global mutable
// state"). The build-dist and eval verbs do not use it. Each subcomponent is handed only the fields it
// needs rather than the whole Context: TableReader callers read
// Catalog/ScaleRanges/GoodMaskPattern, som.Engine callers read nothing from
// here at all (its configuration is its own som.Config).
type Context struct {
	// TablePath is the annotation table this run operates on.
	TablePath string
	// Prefix is the output prefix shared by the ".n" summary, ".sites.gz"
	// score table, and ".tab" threshold table.
	Prefix string
	// GoodMaskPattern is the operator-supplied good-mask pattern (spec §3).
	GoodMaskPattern string
	// Catalog maps table columns to selected slots.
	Catalog *Catalog
	// Dist is the per-column distribution summary used to build ScaleRanges.
	Dist *DistributionStats
	// ScaleRanges holds one entry per catalog user slot, aligned to
	// catalog order.
	ScaleRanges []ScaleRange
	// TempDir is where scratch files (percentile scans, sort buffers) are
	// created; empty means os.TempDir().
	TempDir string
	// Region, if set, restricts OpenReader's TableReader to a single
	// chrom:lo-hi interval (spec §6 "region restriction").
	Region *Region
}

// OpenReader opens a TableReader over c.TablePath and configures it with
// c.Catalog/c.GoodMaskPattern/c.ScaleRanges/c.Region.
func (c *Context) OpenReader(ctx context.Context) (*TableReader, error) {
	tr, err := OpenTableReader(ctx, c.TablePath)
	if err != nil {
		return nil, err
	}
	if err := tr.Configure(c.Catalog, c.GoodMaskPattern, c.ScaleRanges); err != nil {
		_ = tr.Close()
		return nil, err
	}
	tr.SetRegion(c.Region)
	return tr, nil
}
