package workspace

import (
	"errors"
	"fmt"
	"time"

	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
)

// MergeHow selects the row multiplicity of a merge.
type MergeHow string

const (
	MergeLeft  MergeHow = "left"
	MergeRight MergeHow = "right"
	MergeOuter MergeHow = "outer"
	MergeInner MergeHow = "inner"
)

// OverlapPolicy decides what happens to source columns whose names collide
// with stored columns.
type OverlapPolicy string

const (
	// OverlapOverride updates the stored column with non-null source cells.
	OverlapOverride OverlapPolicy = "override"
	// OverlapRename suffixes colliding source columns until unique.
	OverlapRename OverlapPolicy = "rename"
)

var (
	// ErrMergeKeyMissing indicates the chosen key column does not exist.
	ErrMergeKeyMissing = errors.New("workspace: merge key missing")
	// ErrMergeKeyNotUnique indicates the chosen key column has nulls or
	// duplicate values.
	ErrMergeKeyNotUnique = errors.New("workspace: merge key not unique")
	// ErrMergeIncompatible indicates an overlapping column cannot be
	// widened with its stored counterpart.
	ErrMergeIncompatible = errors.New("workspace: merge column types incompatible")
	// ErrMergeHow indicates an unknown join variant.
	ErrMergeHow = errors.New("workspace: unknown merge variant")
)

// MergePlan describes one merge of an incoming frame into the workflow.
type MergePlan struct {
	How      MergeHow
	DstKey   string
	SrcKey   string
	Overlap  OverlapPolicy
	// Include restricts the source columns carried into the merge; empty
	// means all of them.
	Include []string
	// Rename maps source column names to their workspace names before
	// overlap resolution.
	Rename map[string]string
}

// Merge aligns the incoming frame with the stored frame under the plan,
// widens column types, recomputes key status, persists the result and
// broadcasts the data change so condition counts refresh.
func (s *Store) Merge(wf *Workflow, src *frame.Frame, plan MergePlan) error {
	if plan.Overlap == "" {
		plan.Overlap = OverlapOverride
	}
	switch plan.How {
	case MergeLeft, MergeRight, MergeOuter, MergeInner:
	default:
		return fmt.Errorf("%w: %q", ErrMergeHow, plan.How)
	}

	dst, err := s.Load(wf, nil, nil)
	if err != nil {
		return err
	}
	if err := checkMergeKey(dst, plan.DstKey, "stored"); err != nil {
		return err
	}

	prepared, err := prepareSource(src, plan, wf.Location())
	if err != nil {
		return err
	}
	if err := checkMergeKey(prepared, plan.SrcKey, "incoming"); err != nil {
		return err
	}

	merged, err := joinFrames(dst, prepared, plan)
	if err != nil {
		return err
	}
	if err := widenMergedTypes(wf, merged); err != nil {
		return err
	}
	if err := recomputeKeyStatus(wf, merged); err != nil {
		return err
	}
	if err := s.Replace(wf, merged); err != nil {
		return err
	}
	return s.notifyDataChanged(wf.ID)
}

func checkMergeKey(data *frame.Frame, key, side string) error {
	if !data.HasColumn(key) {
		return fmt.Errorf("%w: %q not in %s frame", ErrMergeKeyMissing, key, side)
	}
	series, err := data.Series(key)
	if err != nil {
		return err
	}
	if !types.IsUnique(series) {
		return fmt.Errorf("%w: %q in %s frame", ErrMergeKeyNotUnique, key, side)
	}
	return nil
}

// prepareSource projects the source to the included columns, applies the
// rename map and normalizes cell representations.
func prepareSource(
	src *frame.Frame,
	plan MergePlan,
	loc *time.Location,
) (*frame.Frame, error) {
	prepared := src.Clone()
	if len(plan.Include) > 0 {
		include := plan.Include
		if !containsName(include, plan.SrcKey) {
			include = append([]string{plan.SrcKey}, include...)
		}
		projected, err := prepared.Project(include)
		if err != nil {
			return nil, err
		}
		prepared = projected
	}
	for oldName, newName := range plan.Rename {
		if !prepared.HasColumn(oldName) {
			continue
		}
		if err := CheckName(newName); err != nil {
			return nil, err
		}
		if err := prepared.RenameColumn(oldName, newName); err != nil {
			return nil, err
		}
	}
	prepared.InferTypes()
	if err := prepared.Coerce(loc); err != nil {
		return nil, err
	}
	return prepared, nil
}

// joinFrames performs the relational join on the two key columns. The
// result carries the stored key column name; the source key column is
// folded into it.
func joinFrames(dst, src *frame.Frame, plan MergePlan) (*frame.Frame, error) {
	srcKey := plan.SrcKey
	if renamed, ok := plan.Rename[plan.SrcKey]; ok {
		srcKey = renamed
	}

	// Resolve overlapping names before joining.
	overlapRenames := map[string]string{}
	for _, name := range src.Columns {
		if name == srcKey {
			continue
		}
		if !dst.HasColumn(name) {
			continue
		}
		if plan.Overlap == OverlapRename {
			fresh := name
			suffix := 1
			for dst.HasColumn(fresh) || src.HasColumn(fresh) {
				fresh = fmt.Sprintf("%s_%d", name, suffix)
				suffix++
			}
			overlapRenames[name] = fresh
		}
	}
	for oldName, newName := range overlapRenames {
		if err := src.RenameColumn(oldName, newName); err != nil {
			return nil, err
		}
	}

	// Column order: stored columns first, then new source columns.
	columns := append([]string(nil), dst.Columns...)
	colTypes := make(map[string]types.ColumnType, len(columns))
	for name, colType := range dst.Types {
		colTypes[name] = colType
	}
	for _, name := range src.Columns {
		if name == srcKey {
			continue
		}
		if dst.HasColumn(name) {
			continue
		}
		columns = append(columns, name)
		colTypes[name] = src.Types[name]
	}

	dstIndex, dstOrder, err := indexByKey(dst, plan.DstKey)
	if err != nil {
		return nil, err
	}
	srcIndex, srcOrder, err := indexByKey(src, srcKey)
	if err != nil {
		return nil, err
	}

	var keys []string
	switch plan.How {
	case MergeLeft:
		keys = dstOrder
	case MergeRight:
		keys = srcOrder
	case MergeInner:
		for _, key := range dstOrder {
			if _, ok := srcIndex[key]; ok {
				keys = append(keys, key)
			}
		}
	case MergeOuter:
		keys = append(keys, dstOrder...)
		for _, key := range srcOrder {
			if _, ok := dstIndex[key]; !ok {
				keys = append(keys, key)
			}
		}
	}

	merged, err := frame.New(columns, colTypes)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		row := make(map[string]any, len(columns))
		dstRow, inDst := dstIndex[key]
		srcRow, inSrc := srcIndex[key]
		if inDst {
			for name, value := range dstRow {
				row[name] = value
			}
		} else {
			// Row only exists on the source side: carry its key value
			// under the stored key name.
			row[plan.DstKey] = srcRow[srcKey]
		}
		if inSrc {
			for _, name := range src.Columns {
				if name == srcKey {
					continue
				}
				value := srcRow[name]
				if dst.HasColumn(name) {
					// Overlap override: a non-null source cell wins,
					// a null one keeps the stored value.
					if value != nil {
						row[name] = value
					}
					continue
				}
				row[name] = value
			}
		}
		merged.Rows = append(merged.Rows, row)
	}
	return merged, nil
}

func indexByKey(data *frame.Frame, key string) (map[string]map[string]any, []string, error) {
	series, err := data.Series(key)
	if err != nil {
		return nil, nil, err
	}
	index := make(map[string]map[string]any, len(series))
	order := make([]string, 0, len(series))
	for i, value := range series {
		encoded := fmt.Sprintf("%v", value)
		index[encoded] = data.Rows[i]
		order = append(order, encoded)
	}
	return index, order, nil
}

// widenMergedTypes reconciles each merged column type with the stored
// metadata: integer and double widen to double, and an integer column that
// acquired nulls during the join widens to double as well.
func widenMergedTypes(wf *Workflow, merged *frame.Frame) error {
	for _, name := range merged.Columns {
		stored := wf.ColumnByName(name)
		inferred := merged.Types[name]
		if stored != nil {
			widened, err := types.Widen(stored.ColType, inferred)
			if err != nil {
				return fmt.Errorf("%w: column %q", ErrMergeIncompatible, name)
			}
			merged.Types[name] = widened
		}
		if merged.Types[name] == types.ColumnTypeInteger {
			series, err := merged.Series(name)
			if err != nil {
				return err
			}
			for _, cell := range series {
				if cell == nil {
					merged.Types[name] = types.ColumnTypeDouble
					break
				}
			}
		}
	}
	return nil
}

// recomputeKeyStatus drops the key flag of any stored key column that lost
// uniqueness in the join and fails when no key remains.
func recomputeKeyStatus(wf *Workflow, merged *frame.Frame) error {
	anyKey := false
	for i := range wf.Columns {
		if !wf.Columns[i].IsKey {
			continue
		}
		if !merged.HasColumn(wf.Columns[i].Name) {
			wf.Columns[i].IsKey = false
			continue
		}
		series, err := merged.Series(wf.Columns[i].Name)
		if err != nil {
			return err
		}
		wf.Columns[i].IsKey = types.IsUnique(series)
		anyKey = anyKey || wf.Columns[i].IsKey
	}
	if !anyKey && merged.NumRows() > 0 {
		// A fresh unique column in the merged frame may still serve.
		if err := findAnyKey(merged); err != nil {
			return err
		}
	}
	return nil
}

func findAnyKey(merged *frame.Frame) error {
	for _, name := range merged.Columns {
		series, err := merged.Series(name)
		if err != nil {
			return err
		}
		if types.IsUnique(series) {
			return nil
		}
	}
	return ErrDataFrameNoKey
}

func containsName(names []string, target string) bool {
	for _, name := range names {
		if name == target {
			return true
		}
	}
	return false
}
