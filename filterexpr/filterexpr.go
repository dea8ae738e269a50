// Package filterexpr parses and evaluates the flat conjunction-of-predicates
// expressions used for the learning filter and fixed hard filters (spec
// §4.4). Unlike cmd/bio-pamtool/cmd/filter.go's general boolean
// sam.Record-expression language (arbitrary && / || / ! nesting over a large
// field vocabulary, parsed with go/parser), spec §4.4's grammar is a single
// flat conjunction of five-operator comparisons against named annotations,
// so this package hand-writes a small scanner instead of reaching for
// go/ast/go/parser: pulling in the general-expression machinery for a
// grammar with no nesting and no boolean connective beyond "&" would be
// over-engineering relative to what's specified.
package filterexpr

import (
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// MaxPredicates bounds the number of predicates in one expression, dictated
// by the 64-bit failure bitmask (one bit reserved, spec §4.4).
const MaxPredicates = 63

// Op is a comparison operator.
type Op int

const (
	OpLT Op = iota
	OpLE
	OpEQ
	OpGE
	OpGT
)

func (op Op) String() string {
	switch op {
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpEQ:
		return "=="
	case OpGE:
		return ">="
	case OpGT:
		return ">"
	}
	return "?"
}

// mirror returns the operator that makes `threshold OP name` equivalent to
// `name mirror(OP) threshold`.
func (op Op) mirror() Op {
	switch op {
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	case OpGE:
		return OpLE
	case OpGT:
		return OpLT
	default:
		return op
	}
}

// Predicate is one `name OP threshold` comparison, resolved to a slot index
// by the caller (via a Resolver).
type Predicate struct {
	Name      string
	Op        Op
	Threshold float64
	Slot      int
}

// violated reports whether v fails this predicate, i.e. the negation of the
// comparison holds.
func (p *Predicate) violated(v float64) bool {
	switch p.Op {
	case OpLT:
		return !(v < p.Threshold)
	case OpLE:
		return !(v <= p.Threshold)
	case OpEQ:
		return v != p.Threshold
	case OpGE:
		return !(v >= p.Threshold)
	case OpGT:
		return !(v > p.Threshold)
	}
	return false
}

// Expr is a parsed, slot-resolved filter expression: a conjunction of
// predicates evaluated into a failure bitmask, bit k set iff predicate k is
// violated (spec §4.4).
type Expr struct {
	Predicates []Predicate
	// Scaled records whether Predicates' thresholds are expressed in scaled
	// [0,1] coordinates (true) or raw annotation units (false), per spec
	// §4.4's "thresholds are stored post-scaling iff the expression is
	// flagged as operating on scaled values".
	Scaled bool
}

// Resolver maps an annotation name to a slot index (0-based, aligned with
// Site.Values / Site.Raw), adding it to the selection (as a filter-only,
// non-SOM slot) if it is not already present. ScaleThreshold converts a
// raw-units threshold to the slot's scaled [0,1] coordinate; it is only
// consulted when the Expr is parsed with scaled=true.
type Resolver interface {
	ResolveSlot(name string) (int, error)
	ScaleThreshold(slot int, raw float64) float64
}

// rawPredicate is one `NAME OP NUMBER | NUMBER OP NAME` clause before slot
// resolution.
type rawPredicate struct {
	name      string
	op        Op
	threshold float64
}

// Parse parses a '&'-joined conjunction of predicates. Whitespace is
// stripped before parsing, per spec §4.4.
func Parse(s string, scaled bool, resolver Resolver) (*Expr, error) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\t", "")
	if s == "" {
		return &Expr{Scaled: scaled}, nil
	}
	clauses := strings.Split(s, "&")
	if len(clauses) > MaxPredicates {
		return nil, errors.E("too many predicates in filter expression (max", MaxPredicates, "), got", len(clauses))
	}
	preds := make([]Predicate, 0, len(clauses))
	for _, clause := range clauses {
		if clause == "" {
			return nil, errors.E("empty predicate clause in filter expression:", s)
		}
		raw, err := parseClause(clause)
		if err != nil {
			return nil, errors.E(err, "in filter expression", s)
		}
		slot, err := resolver.ResolveSlot(raw.name)
		if err != nil {
			return nil, err
		}
		threshold := raw.threshold
		if scaled {
			threshold = resolver.ScaleThreshold(slot, threshold)
		}
		preds = append(preds, Predicate{
			Name:      raw.name,
			Op:        raw.op,
			Threshold: threshold,
			Slot:      slot,
		})
	}
	return &Expr{Predicates: preds, Scaled: scaled}, nil
}

// operators, longest first so that "<=" is matched before "<".
var operatorTokens = []struct {
	text string
	op   Op
}{
	{"<=", OpLE},
	{">=", OpGE},
	{"==", OpEQ},
	{"<", OpLT},
	{">", OpGT},
	{"=", OpEQ},
}

func parseClause(clause string) (rawPredicate, error) {
	for _, tok := range operatorTokens {
		idx := strings.Index(clause, tok.text)
		if idx < 0 {
			continue
		}
		left := clause[:idx]
		right := clause[idx+len(tok.text):]
		if left == "" || right == "" {
			return rawPredicate{}, errors.E("malformed predicate:", clause)
		}
		if v, err := strconv.ParseFloat(left, 64); err == nil {
			// NUMBER OP NAME form: mirror the operator.
			return rawPredicate{name: right, op: tok.op.mirror(), threshold: v}, nil
		}
		v, err := strconv.ParseFloat(right, 64)
		if err != nil {
			return rawPredicate{}, errors.E(err, "predicate threshold is not numeric:", clause)
		}
		return rawPredicate{name: left, op: tok.op, threshold: v}, nil
	}
	return rawPredicate{}, errors.E("no comparison operator found in predicate:", clause)
}

// Evaluate returns a 64-bit failure bitmask over values (indexed by
// Predicate.Slot), bit k set iff Predicates[k] is violated.
func (e *Expr) Evaluate(values []float64) uint64 {
	var mask uint64
	for k := range e.Predicates {
		if e.Predicates[k].violated(values[e.Predicates[k].Slot]) {
			mask |= 1 << uint(k)
		}
	}
	return mask
}

// Failed reports whether any predicate was violated.
func Failed(mask uint64) bool { return mask != 0 }
