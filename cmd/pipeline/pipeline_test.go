package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/securhealth/report-uploader/cmd/report"
)

// recordingHandler keeps every record it is handed.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func newRecordingLogger() (*slog.Logger, *recordingHandler) {
	h := &recordingHandler{}
	return slog.New(h), h
}

type rateRow struct {
	ProviderType                       string
	NPI                                *string
	LocationTaxId                      string
	Medicare_Allowable_Rate_From_MIRRA float64
	SecurRate                          float64 `db:"Medicare_Allowable_Rate_From_SECUR"`
	FacilityRate                       sql.NullFloat64 `db:"Facility_Medicare_Allowable_Rate_From_SECUR"`
	hidden                             string
}

type getterRow map[string]any

func (g getterRow) Field(name string) (any, bool) {
	v, ok := g[name]
	return v, ok
}

func TestValue(t *testing.T) {
	npi := "1234567890"
	structRow := rateRow{
		ProviderType:                       "PCP",
		NPI:                                &npi,
		Medicare_Allowable_Rate_From_MIRRA: 10.5,
		SecurRate:                          11.25,
		hidden:                             "x",
	}

	tests := []struct {
		name    string
		row     report.Row
		field   string
		want    any
		wantOK  bool
	}{
		{"struct field by name", structRow, "ProviderType", "PCP", true},
		{"struct pointer field is dereferenced", structRow, "NPI", "1234567890", true},
		{"struct field by db tag", structRow, "Medicare_Allowable_Rate_From_SECUR", 11.25, true},
		{"struct invalid null value", structRow, "Facility_Medicare_Allowable_Rate_From_SECUR", nil, false},
		{"struct unexported field", structRow, "hidden", nil, false},
		{"struct missing field", structRow, "County", nil, false},
		{"pointer to struct", &structRow, "ProviderType", "PCP", true},
		{"nil pointer to struct", (*rateRow)(nil), "ProviderType", nil, false},
		{"map field", map[string]any{"NPI": "42"}, "NPI", "42", true},
		{"map missing field", map[string]any{"NPI": "42"}, "TIN", nil, false},
		{"map nil value", map[string]any{"NPI": nil}, "NPI", nil, false},
		{"typed string map", map[string]string{"City": "Austin"}, "City", "Austin", true},
		{"int keyed map", map[int]string{1: "a"}, "1", nil, false},
		{"field getter", getterRow{"State": "TX"}, "State", "TX", true},
		{"field getter missing", getterRow{}, "State", nil, false},
		{"nil row", nil, "NPI", nil, false},
		{"scalar row", 42, "NPI", nil, false},
		{"slice row", []string{"a"}, "NPI", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Value(tt.row, tt.field)
			if ok != tt.wantOK {
				t.Fatalf("Value(%q) ok = %v, want %v", tt.field, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Fatalf("Value(%q) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestBuildEmptyInput(t *testing.T) {
	for name, build := range map[string]func([]report.Row) []report.Record{
		"rate mismatch":        BuildRateMismatch,
		"terminated providers": BuildTerminatedProviders,
	} {
		t.Run(name+" nil", func(t *testing.T) {
			got := build(nil)
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil slice, got %#v", got)
			}
		})
		t.Run(name+" empty", func(t *testing.T) {
			if got := build([]report.Row{}); len(got) != 0 {
				t.Fatalf("expected empty slice, got %d records", len(got))
			}
		})
	}
}

func TestBuildTerminatedProviders(t *testing.T) {
	rows := []report.Row{
		map[string]any{"NPI": "1", "FirstName": "Ada", "Have_any_members": "Yes"},
		42, // no readable fields
	}

	records := BuildTerminatedProviders(rows)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	for i, rec := range records {
		if len(rec) != len(report.TerminatedProviders.Columns) {
			t.Fatalf("record %d: expected %d fields, got %d", i, len(report.TerminatedProviders.Columns), len(rec))
		}
		for j, col := range report.TerminatedProviders.Columns {
			if rec[j].Name != col {
				t.Fatalf("record %d field %d: expected %s, got %s", i, j, col, rec[j].Name)
			}
		}
	}

	if v, _ := records[0].Get("FirstName"); v != "Ada" {
		t.Fatalf("expected FirstName Ada, got %v", v)
	}
	if v, _ := records[0].Get("City"); v != nil {
		t.Fatalf("expected nil City, got %v", v)
	}
	for _, f := range records[1] {
		if f.Value != nil {
			t.Fatalf("expected all-nil record for unreadable row, %s = %v", f.Name, f.Value)
		}
	}
}

func TestSafeFetch(t *testing.T) {
	tests := []struct {
		name      string
		fetch     FetchFunc
		wantRows  int
		wantErrs  int
		wantWarns int
	}{
		{
			name:     "error",
			fetch:    func() (any, error) { return nil, errors.New("connection refused") },
			wantErrs: 1,
		},
		{
			name:     "panic",
			fetch:    func() (any, error) { panic("driver exploded") },
			wantErrs: 1,
		},
		{
			name:      "nil result",
			fetch:     func() (any, error) { return nil, nil },
			wantWarns: 1,
		},
		{
			name:      "nil map result",
			fetch:     func() (any, error) { return map[string]any(nil), nil },
			wantWarns: 1,
		},
		{
			name:     "non-iterable result",
			fetch:    func() (any, error) { return 17, nil },
			wantErrs: 1,
		},
		{
			name:     "nil fetch function",
			fetch:    nil,
			wantErrs: 1,
		},
		{
			name:  "nil slice is empty",
			fetch: func() (any, error) { return []map[string]any(nil), nil },
		},
		{
			name: "typed slice",
			fetch: func() (any, error) {
				return []map[string]any{{"NPI": "1"}, {"NPI": "2"}}, nil
			},
			wantRows: 2,
		},
		{
			name:     "array",
			fetch:    func() (any, error) { return [3]int{1, 2, 3}, nil },
			wantRows: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, h := newRecordingLogger()
			rows := SafeFetch(logger, "test", tt.fetch)
			if rows == nil {
				t.Fatal("SafeFetch must never return nil")
			}
			if len(rows) != tt.wantRows {
				t.Fatalf("expected %d rows, got %d", tt.wantRows, len(rows))
			}
			if got := h.count(slog.LevelError); got != tt.wantErrs {
				t.Fatalf("expected %d error entries, got %d", tt.wantErrs, got)
			}
			if got := h.count(slog.LevelWarn); got != tt.wantWarns {
				t.Fatalf("expected %d warning entries, got %d", tt.wantWarns, got)
			}
		})
	}
}

//go:noinline
func explodingQuery() (any, error) {
	var rows []map[string]any
	return rows[5], nil
}

func TestSafeFetchLogsPanicStack(t *testing.T) {
	logger, h := newRecordingLogger()
	SafeFetch(logger, "test", explodingQuery)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(h.records))
	}
	var stack string
	h.records[0].Attrs(func(a slog.Attr) bool {
		if a.Key == "stack" {
			stack = a.Value.String()
		}
		return true
	})
	if !strings.Contains(stack, "explodingQuery") {
		t.Fatalf("stack should point at the panicking function:\n%s", stack)
	}
}

func TestRetrierSucceedsOnThirdAttempt(t *testing.T) {
	logger, h := newRecordingLogger()
	var waits []time.Duration
	r := &Retrier{
		Attempts:  3,
		BaseDelay: time.Second,
		Logger:    logger,
		Sleep:     func(d time.Duration) { waits = append(waits, d) },
	}

	calls := 0
	err := r.Upload(context.Background(), report.UploadRequest{SheetName: "S"}, func(context.Context, report.UploadRequest) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("expected waits [1s 2s], got %v", waits)
	}
	if got := h.count(slog.LevelError); got != 2 {
		t.Fatalf("expected 2 failed attempts logged, got %d", got)
	}
}

func TestRetrierReturnsLastError(t *testing.T) {
	var waits []time.Duration
	r := &Retrier{
		Attempts:  3,
		BaseDelay: 10 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep:     func(d time.Duration) { waits = append(waits, d) },
	}

	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
	calls := 0
	err := r.Upload(context.Background(), report.UploadRequest{}, func(context.Context, report.UploadRequest) error {
		e := errs[calls]
		calls++
		return e
	})
	if !errors.Is(err, errs[2]) {
		t.Fatalf("expected the third error, got %v", err)
	}
	if len(waits) != 2 || waits[1] != 20*time.Millisecond {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestRetrierZeroAttempts(t *testing.T) {
	r := NewRetrier(0, time.Second, nil)
	r.Sleep = func(time.Duration) { t.Fatal("must not sleep") }

	err := r.Upload(context.Background(), report.UploadRequest{}, func(context.Context, report.UploadRequest) error {
		t.Fatal("upload must not run")
		return nil
	})
	if !errors.Is(err, ErrNoAttempts) {
		t.Fatalf("expected ErrNoAttempts, got %v", err)
	}
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	r := NewRetrier(3, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Sleep = func(time.Duration) { t.Fatal("must not sleep after a permanent error") }

	base := errors.New("bad sheet name")
	calls := 0
	err := r.Upload(context.Background(), report.UploadRequest{}, func(context.Context, report.UploadRequest) error {
		calls++
		return Permanent(base)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, base) || !IsPermanent(err) {
		t.Fatalf("expected permanent wrapped error, got %v", err)
	}
}
