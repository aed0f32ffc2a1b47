package report

// Row is a single fetched record. Sources may hand back structs, maps keyed by
// column name, or anything implementing FieldGetter.
type Row = any

// FieldGetter is implemented by rows that know how to look up their own fields.
type FieldGetter interface {
	Field(name string) (any, bool)
}

// Field is one named value of a Record. A nil Value means the row had no value.
type Field struct {
	Name  string
	Value any
}

// Record is an ordered set of fields. Order decides output column order.
type Record []Field

// Get returns the value stored under name.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Values returns the field values in column order.
func (r Record) Values() []any {
	values := make([]any, len(r))
	for i, f := range r {
		values[i] = f.Value
	}
	return values
}

// Schema is the fixed column list of one report type.
type Schema struct {
	Name    string
	Columns []string
}

// RateMismatch lists providers whose Medicare allowable rate differs between
// MIRRA and SECUR.
var RateMismatch = Schema{
	Name: "rate mismatch",
	Columns: []string{
		"ProviderType",
		"NPI",
		"LocationTaxId",
		"Medicare_Allowable_Rate_From_MIRRA",
		"Medicare_Allowable_Rate_From_SECUR",
		"Facility_Medicare_Allowable_Rate_From_SECUR",
	},
}

// TerminatedProviders lists providers terminated in the Multiplan network.
var TerminatedProviders = Schema{
	Name: "terminated providers",
	Columns: []string{
		"NPI",
		"FirstName",
		"MiddleName",
		"LastName",
		"PrimaryAddress",
		"AddressLine1",
		"AddressLine2",
		"City",
		"State",
		"ZipCode",
		"County",
		"Phone",
		"TIN",
		"TerminationDate",
		"ExtractDate",
		"ReceivedDate",
		"UpdateType",
		"Code",
		"Description",
		"Is_contracted_with_Secur",
		"Have_any_members",
	},
}

// UploadRequest describes one artifact to deliver.
type UploadRequest struct {
	Columns      []string
	Rows         []Record
	SheetName    string
	FileNameStem string
	Folder       string // empty means the backend's default folder
}

// Table returns the header and cell values of the request in column order.
// Values are looked up by column name so a record with extra or reordered
// fields still lines up with the header.
func (r UploadRequest) Table() ([]string, [][]any) {
	columns := r.Columns
	if len(columns) == 0 && len(r.Rows) > 0 {
		columns = make([]string, len(r.Rows[0]))
		for i, f := range r.Rows[0] {
			columns[i] = f.Name
		}
	}

	cells := make([][]any, len(r.Rows))
	for i, rec := range r.Rows {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j], _ = rec.Get(col)
		}
		cells[i] = row
	}
	return columns, cells
}
