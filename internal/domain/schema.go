package domain

import "time"

// ColumnState is the observed state of one base table's derived columns.
// Recomputed fresh at the start of every ensure run; never cached across runs.
type ColumnState struct {
	Table              string
	ProjectedExists    bool
	PrefixExists       bool
	RowCount           int64
	RowsWithGeometry   int64
	ProjectedPopulated int64
	PrefixPopulated    int64
}

// Complete reports whether both derived columns exist and carry data for every
// row with a non-null source geometry. Existence alone is insufficient: a
// failed prior run can leave a column present but entirely null.
func (s ColumnState) Complete() bool {
	if !s.ProjectedExists || !s.PrefixExists {
		return false
	}
	return s.ProjectedPopulated >= s.RowsWithGeometry &&
		s.PrefixPopulated >= s.RowsWithGeometry
}

// SchemaState is the full recomputed schema picture for one ensure run.
type SchemaState struct {
	Columns map[string]ColumnState
}

// DatasetReport summarizes one dataset's share of an ensure run.
type DatasetReport struct {
	Dataset        string
	ColumnsRebuilt bool
	Fragments      int64
	Duration       time.Duration
}

// EnsureReport summarizes a whole ensure run.
type EnsureReport struct {
	RunID             string
	IncludeTileTables bool
	Datasets          []DatasetReport
	Duration          time.Duration
}
