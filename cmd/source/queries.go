package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// RateMismatchRow is one row of the Medicare rate mismatch view.
type RateMismatchRow struct {
	ProviderType          sql.NullString
	NPI                   sql.NullString
	LocationTaxId         sql.NullString
	RateFromMIRRA         sql.NullFloat64 `db:"Medicare_Allowable_Rate_From_MIRRA"`
	RateFromSECUR         sql.NullFloat64 `db:"Medicare_Allowable_Rate_From_SECUR"`
	FacilityRateFromSECUR sql.NullFloat64 `db:"Facility_Medicare_Allowable_Rate_From_SECUR"`
}

// FetchRateMismatch returns every row of the rate mismatch view.
func (s *Source) FetchRateMismatch(ctx context.Context) ([]RateMismatchRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s",
		selectList("ProviderType", "NPI", "LocationTaxId",
			"Medicare_Allowable_Rate_From_MIRRA",
			"Medicare_Allowable_Rate_From_SECUR",
			"Facility_Medicare_Allowable_Rate_From_SECUR"),
		s.view("MedicareRateMismatchNotification_VW"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rate mismatch query failed: %w", err)
	}
	defer rows.Close()

	var result []RateMismatchRow
	for rows.Next() {
		var r RateMismatchRow
		if err := rows.Scan(&r.ProviderType, &r.NPI, &r.LocationTaxId,
			&r.RateFromMIRRA, &r.RateFromSECUR, &r.FacilityRateFromSECUR); err != nil {
			return nil, fmt.Errorf("failed to scan rate mismatch row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rate mismatch rows failed: %w", err)
	}
	return result, nil
}

var terminatedColumns = []string{
	"NPI", "FirstName", "MiddleName", "LastName", "PrimaryAddress",
	"AddressLine1", "AddressLine2", "City", "State", "ZipCode", "County",
	"Phone", "TIN", "TerminationDate", "ExtractDate", "ReceivedDate",
	"UpdateType", "Code", "Description",
}

// FetchTerminatedProviders returns the terminated providers view as maps
// keyed by column name. The two question-style columns are aliased to
// Is_contracted_with_Secur and Have_any_members.
func (s *Source) FetchTerminatedProviders(ctx context.Context) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s, %s AS %s, %s AS %s FROM %s",
		selectList(terminatedColumns...),
		pq.QuoteIdentifier("Is contracted with Secur?"), pq.QuoteIdentifier("Is_contracted_with_Secur"),
		pq.QuoteIdentifier("Have any members?"), pq.QuoteIdentifier("Have_any_members"),
		s.view("MultiplanTerminatedProvidersNotification_VW"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("terminated providers query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan terminated providers row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("terminated providers rows failed: %w", err)
	}
	return result, nil
}
