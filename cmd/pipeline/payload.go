package pipeline

import "github.com/securhealth/report-uploader/cmd/report"

// BuildRateMismatch shapes rows into rate mismatch records.
func BuildRateMismatch(rows []report.Row) []report.Record {
	return Build(report.RateMismatch, rows)
}

// BuildTerminatedProviders shapes rows into terminated provider records.
func BuildTerminatedProviders(rows []report.Row) []report.Record {
	return Build(report.TerminatedProviders, rows)
}

// Build maps every row onto the schema's columns. A row is never skipped: one
// without any readable field becomes a record whose values are all nil.
func Build(schema report.Schema, rows []report.Row) []report.Record {
	records := make([]report.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(report.Record, len(schema.Columns))
		for i, col := range schema.Columns {
			v, _ := Value(row, col)
			rec[i] = report.Field{Name: col, Value: v}
		}
		records = append(records, rec)
	}
	return records
}
