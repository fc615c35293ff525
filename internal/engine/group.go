package engine

import (
	"strings"

	"github.com/SimonWaldherr/flatSQL/internal/numeric"
)

// aggSpec is one aggregate call found while compiling a SELECT.
type aggSpec struct {
	name     string
	distinct bool
	star     bool
	arg      node
	sep      node // GROUP_CONCAT separator
}

// aggState accumulates one aggregate over the rows of a group.
type aggState struct {
	spec  *aggSpec
	count int64
	sum   any
	fsum  float64
	best  any
	parts []string
	sep   string
	seen  map[string]bool
}

func newAggState(spec *aggSpec) *aggState {
	st := &aggState{spec: spec, sep: ","}
	if spec.distinct {
		st.seen = make(map[string]bool)
	}
	return st
}

func (st *aggState) add(ec *evalCtx) error {
	if st.spec.star {
		st.count++
		return nil
	}
	v, err := evaluate(st.spec.arg, ec)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if st.seen != nil {
		k := rowKey([]any{v})
		if st.seen[k] {
			return nil
		}
		st.seen[k] = true
	}
	st.count++
	switch st.spec.name {
	case "SUM", "AVG":
		n := toNumber(v)
		if st.sum == nil {
			st.sum = n
		} else if st.sum, err = numeric.Add(st.sum, n); err != nil {
			return evalErrf("%s: %v", st.spec.name, err)
		}
		f, _ := numeric.Float(n)
		st.fsum += f
	case "MIN":
		if st.best == nil || compare(v, st.best) < 0 {
			st.best = v
		}
	case "MAX":
		if st.best == nil || compare(v, st.best) > 0 {
			st.best = v
		}
	case "GROUP_CONCAT":
		if st.spec.sep != nil && len(st.parts) == 0 {
			sv, err := evaluate(st.spec.sep, ec)
			if err != nil {
				return err
			}
			if sv != nil {
				st.sep = toText(sv)
			}
		}
		st.parts = append(st.parts, toText(v))
	}
	return nil
}

func (st *aggState) result() any {
	switch st.spec.name {
	case "COUNT":
		return st.count
	case "SUM":
		return st.sum
	case "AVG":
		if st.count == 0 {
			return nil
		}
		if f, ok := numeric.Float(st.sum); ok {
			return f / float64(st.count)
		}
		return st.fsum / float64(st.count)
	case "MIN", "MAX":
		return st.best
	case "GROUP_CONCAT":
		if len(st.parts) == 0 {
			return nil
		}
		return strings.Join(st.parts, st.sep)
	}
	return nil
}

// group is the input of one output row of a grouped SELECT.
type group struct {
	first  []any
	states []*aggState
}

// groupRows partitions rows by the GROUP BY keys in first-seen order and
// feeds every aggregate. Without GROUP BY all rows form one group, which
// exists even when rows is empty.
func (p *selectPlan) groupRows(qc *QueryContext, rows [][]any, outer *evalCtx) ([]*group, error) {
	index := make(map[string]*group)
	var out []*group
	ec := &evalCtx{qc: qc, outer: outer}
	newGroup := func(first []any) *group {
		g := &group{first: first, states: make([]*aggState, len(p.aggs))}
		for i, spec := range p.aggs {
			g.states[i] = newAggState(spec)
		}
		return g
	}
	if len(p.groupBy) == 0 {
		first := make([]any, p.width)
		if len(rows) > 0 {
			first = rows[0]
		}
		out = append(out, newGroup(first))
	}
	keys := make([]any, len(p.groupBy))
	for _, r := range rows {
		if err := checkCtx(qc.ctx); err != nil {
			return nil, err
		}
		ec.row = r
		var g *group
		if len(p.groupBy) == 0 {
			g = out[0]
		} else {
			for i, n := range p.groupBy {
				v, err := evaluate(n, ec)
				if err != nil {
					return nil, err
				}
				keys[i] = v
			}
			k := rowKey(keys)
			var ok bool
			if g, ok = index[k]; !ok {
				g = newGroup(r)
				index[k] = g
				out = append(out, g)
			}
		}
		for _, st := range g.states {
			if err := st.add(ec); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (g *group) results() []any {
	out := make([]any, len(g.states))
	for i, st := range g.states {
		out[i] = st.result()
	}
	return out
}
