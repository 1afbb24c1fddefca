package privacy

import (
	"sort"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
)

// Decision is the evaluation outcome: whether the operation may run and
// under which row and field restrictions.
type Decision struct {
	Object string
	Action string

	Allowed bool

	// Filters is the row-level restriction to merge into the query under
	// AND. Nil grants every row.
	Filters query.Filter

	// AllowedFields restricts visible fields. Nil grants every field; the
	// id field always survives masking.
	AllowedFields []string

	// ReadonlyFields lists the fields the caller may not write.
	ReadonlyFields []string
}

// Err maps a denial to the FORBIDDEN domain error, nil when allowed.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return tabula.Forbiddenf("not allowed to %s %s", d.Action, d.Object)
}

// FieldVisible reports whether the caller may read the field.
func (d *Decision) FieldVisible(name string) bool {
	if name == tabula.IDField || d.AllowedFields == nil {
		return true
	}
	for _, f := range d.AllowedFields {
		if f == name {
			return true
		}
	}
	return false
}

// FieldWritable reports whether the caller may write the field.
func (d *Decision) FieldWritable(name string) bool {
	if !d.FieldVisible(name) {
		return false
	}
	for _, f := range d.ReadonlyFields {
		if f == name {
			return false
		}
	}
	return true
}

// MaskRecord strips the fields the caller may not see, plus the
// object's hidden fields. A nil object skips the hidden-field pass. The
// input is not modified.
func (d *Decision) MaskRecord(obj *schema.Object, r tabula.Record) tabula.Record {
	if r == nil {
		return nil
	}
	masked := make(tabula.Record, len(r))
	for name, v := range r {
		if !d.FieldVisible(name) {
			continue
		}
		if obj != nil {
			if f, ok := obj.Fields[name]; ok && f.Hidden {
				continue
			}
		}
		masked[name] = v
	}
	return masked
}

// MaskRecords masks a result list in place-order, returning a new slice.
func (d *Decision) MaskRecords(obj *schema.Object, rs []tabula.Record) []tabula.Record {
	out := make([]tabula.Record, len(rs))
	for i, r := range rs {
		out[i] = d.MaskRecord(obj, r)
	}
	return out
}

// PrunePatch drops the fields the caller may not write from a mutation
// payload and reports which were removed. The input is not modified.
func (d *Decision) PrunePatch(patch tabula.Record) (tabula.Record, []string) {
	pruned := make(tabula.Record, len(patch))
	var dropped []string
	for name, v := range patch {
		if !d.FieldWritable(name) {
			dropped = append(dropped, name)
			continue
		}
		pruned[name] = v
	}
	sort.Strings(dropped)
	return pruned, dropped
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
