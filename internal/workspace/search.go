package workspace

import (
	"fmt"
	"strings"

	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
)

// SearchRequest carries the table UI paging contract.
type SearchRequest struct {
	Columns []string
	Needle  string
	Filter  *formula.Node
	OrderBy string
	Asc     bool
	Start   int
	Length  int
}

// SearchResult pairs one page of rows with the total counts the table UI
// needs to draw its pager.
type SearchResult struct {
	Page          *frame.Frame
	TotalRows     int64
	FilteredTotal int64
}

// Search performs a cell text search across the supplied columns: each cell
// is cast to text and matched with LIKE %needle%, joined across cells with
// OR. Paging applies after the filter.
func (s *Store) Search(wf *Workflow, req SearchRequest) (*SearchResult, error) {
	if !wf.HasDataTable {
		return nil, fmt.Errorf("%w: %q", ErrEmptyWorkflow, wf.Name)
	}
	columns := req.Columns
	if len(columns) == 0 {
		columns = wf.ColumnNames()
	}
	for _, name := range columns {
		if wf.ColumnByName(name) == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
	}

	table := formula.QuoteIdentifier(wf.DataTableName())
	fragment, args, err := formula.SQL(req.Filter)
	if err != nil {
		return nil, err
	}

	var clauses []string
	if fragment != "" {
		clauses = append(clauses, "("+fragment+")")
	}
	if req.Needle != "" {
		// Match any cell: the cells of a row are joined with OR.
		cellMatches := make([]string, len(columns))
		for i, name := range columns {
			cellMatches[i] = fmt.Sprintf(
				"CAST(%s AS TEXT) LIKE ?", formula.QuoteIdentifier(name))
			args = append(args, "%"+req.Needle+"%")
		}
		clauses = append(clauses, "("+strings.Join(cellMatches, " OR ")+")")
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var filteredTotal int64
	countQuery := "SELECT COUNT(*) FROM " + table + where
	if err := s.db.Raw(finishQuery(countQuery), args...).Scan(&filteredTotal).Error; err != nil {
		return nil, err
	}

	query := buildSelect(columns, table) + where
	if req.OrderBy != "" {
		if wf.ColumnByName(req.OrderBy) == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, req.OrderBy)
		}
		direction := "DESC"
		if req.Asc {
			direction = "ASC"
		}
		query += " ORDER BY " + formula.QuoteIdentifier(req.OrderBy) + " " + direction
	}
	if req.Length > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", req.Length, req.Start)
	}

	rows, err := s.db.Raw(finishQuery(query), args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes := make(map[string]types.ColumnType, len(columns))
	for _, name := range columns {
		colTypes[name] = wf.ColumnByName(name).ColType
	}
	page, err := frame.New(columns, colTypes)
	if err != nil {
		return nil, err
	}

	scanned := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range scanned {
		pointers[i] = &scanned[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			cell, err := formula.CellFromStorage(scanned[i], colTypes[name])
			if err != nil {
				return nil, err
			}
			row[name] = cell
		}
		page.Rows = append(page.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &SearchResult{
		Page:          page,
		TotalRows:     int64(wf.RowCount),
		FilteredTotal: filteredTotal,
	}, nil
}

func buildSelect(columns []string, table string) string {
	quoted := make([]string, len(columns))
	for i, name := range columns {
		quoted[i] = formula.QuoteIdentifier(name)
	}
	return "SELECT " + strings.Join(quoted, ", ") + " FROM " + table
}
