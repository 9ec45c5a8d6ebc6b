package workspace

import (
	"errors"
	"testing"

	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/types"
)

func TestGetRowByKey(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	row, err := store.GetRow(wf, KeyPair{Column: "email", Value: "ann@example.edu"}, nil, nil)
	if err != nil {
		t.Fatalf("get row failed: %v", err)
	}
	if row["name"] != "Ann" || row["score"] != int64(80) {
		t.Fatalf("unexpected row %v", row)
	}

	_, err = store.GetRow(wf, KeyPair{Column: "email", Value: "ghost@example.edu"}, nil, nil)
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
	_, err = store.GetRow(wf, KeyPair{Column: "student", Value: "x"}, nil, nil)
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestGetRowWithFilter(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	passing := formula.Leaf("score", types.ColumnTypeInteger,
		formula.OpGreaterOrEqual, int64(50))
	_, err := store.GetRow(wf,
		KeyPair{Column: "email", Value: "bob@example.edu"}, nil, passing)
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("filtered-out row must read as absent, got %v", err)
	}
	row, err := store.GetRow(wf,
		KeyPair{Column: "email", Value: "ann@example.edu"}, nil, passing)
	if err != nil {
		t.Fatalf("get row failed: %v", err)
	}
	if row["name"] != "Ann" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestUpdateRowCoercesAndChecksCardinality(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	err := store.UpdateRow(wf,
		KeyPair{Column: "email", Value: "bob@example.edu"},
		map[string]any{"score": "55"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	row, err := store.GetRow(wf, KeyPair{Column: "email", Value: "bob@example.edu"}, nil, nil)
	if err != nil {
		t.Fatalf("get row failed: %v", err)
	}
	if row["score"] != int64(55) {
		t.Fatalf("expected coerced integer 55, got %v", row["score"])
	}

	err = store.UpdateRow(wf,
		KeyPair{Column: "email", Value: "ghost@example.edu"},
		map[string]any{"score": int64(1)})
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
	err = store.UpdateRow(wf,
		KeyPair{Column: "email", Value: "bob@example.edu"},
		map[string]any{"gpa": 4.0})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestInsertRowRequiresKeyValues(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	err := store.InsertRow(wf, map[string]any{"name": "Cat", "score": int64(60)})
	if !errors.Is(err, ErrIllegalName) {
		t.Fatalf("expected key-value rejection, got %v", err)
	}

	err = store.InsertRow(wf, map[string]any{
		"email": "cat@example.edu", "name": "Cat", "score": int64(60),
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if wf.RowCount != 3 {
		t.Fatalf("expected row count 3, got %d", wf.RowCount)
	}
	if err := store.ConsistencyCheck(wf); err != nil {
		t.Fatalf("consistency check failed: %v", err)
	}
}

func TestDeleteRowAdjustsRowCount(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	if err := store.DeleteRow(wf, KeyPair{Column: "email", Value: "bob@example.edu"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if wf.RowCount != 1 {
		t.Fatalf("expected row count 1, got %d", wf.RowCount)
	}
	err := store.DeleteRow(wf, KeyPair{Column: "email", Value: "bob@example.edu"})
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestLoadViewMaterializesProjectionAndFilter(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	filter, err := formula.Marshal(formula.Leaf(
		"score", types.ColumnTypeInteger, formula.OpGreaterOrEqual, int64(50)))
	if err != nil {
		t.Fatalf("failed to marshal filter: %v", err)
	}
	view := &View{
		WorkflowID:  wf.ID,
		Name:        "passing",
		ColumnsJSON: `["email","score"]`,
		FormulaJSON: filter,
	}
	data, err := store.LoadView(wf, view)
	if err != nil {
		t.Fatalf("load view failed: %v", err)
	}
	if data.NumRows() != 1 || data.Rows[0]["email"] != "ann@example.edu" {
		t.Fatalf("unexpected view contents: %v", data.Rows)
	}
	if len(data.Columns) != 2 {
		t.Fatalf("expected two projected columns, got %v", data.Columns)
	}
}

func TestSearchMatchesAnyCell(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	result, err := store.Search(wf, SearchRequest{Needle: "ann"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.FilteredTotal != 1 || result.Page.NumRows() != 1 {
		t.Fatalf("expected one match, got %d/%d",
			result.FilteredTotal, result.Page.NumRows())
	}
	if result.TotalRows != 2 {
		t.Fatalf("expected total 2, got %d", result.TotalRows)
	}
	if result.Page.Rows[0]["name"] != "Ann" {
		t.Fatalf("unexpected match %v", result.Page.Rows[0])
	}
}

func TestSearchPagesAndOrders(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	result, err := store.Search(wf, SearchRequest{
		OrderBy: "score", Asc: true, Start: 0, Length: 1,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.FilteredTotal != 2 {
		t.Fatalf("paging must not shrink the filtered total, got %d",
			result.FilteredTotal)
	}
	if result.Page.NumRows() != 1 || result.Page.Rows[0]["name"] != "Bob" {
		t.Fatalf("expected lowest score first, got %v", result.Page.Rows)
	}

	second, err := store.Search(wf, SearchRequest{
		OrderBy: "score", Asc: true, Start: 1, Length: 1,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if second.Page.NumRows() != 1 || second.Page.Rows[0]["name"] != "Ann" {
		t.Fatalf("expected second page to hold Ann, got %v", second.Page.Rows)
	}
}

func TestSearchCombinesFilterAndNeedle(t *testing.T) {
	store := newTestStore(t)
	wf := installWorkflow(t, store)

	passing := formula.Leaf("score", types.ColumnTypeInteger,
		formula.OpGreaterOrEqual, int64(50))
	result, err := store.Search(wf, SearchRequest{Filter: passing, Needle: "bob"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.FilteredTotal != 0 {
		t.Fatalf("filter and needle must intersect, got %d", result.FilteredTotal)
	}
}
