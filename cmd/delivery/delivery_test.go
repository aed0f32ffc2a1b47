package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/xuri/excelize/v2"

	"github.com/securhealth/report-uploader/cmd/compressors"
	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/report"
)

var fixedNow = func() time.Time { return time.Date(2024, time.March, 5, 9, 30, 0, 0, time.UTC) }

func staticToken(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) { return token, nil })
}

func sampleRequest(sheet string) report.UploadRequest {
	return report.UploadRequest{
		Columns: []string{"NPI", "City"},
		Rows: []report.Record{
			{{Name: "NPI", Value: "1234567890"}, {Name: "City", Value: "Austin"}},
			{{Name: "NPI", Value: "1098765432"}, {Name: "City", Value: nil}},
		},
		SheetName:    sheet,
		FileNameStem: "MedicareRate",
	}
}

func TestValidateSheetName(t *testing.T) {
	tests := []struct {
		name    string
		sheet   string
		wantErr bool
	}{
		{"valid", "MedicareRateMismatch", false},
		{"exactly 31", strings.Repeat("a", 31), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 32), true},
		{"slash", "Rates/2024", true},
		{"bracket", "Rates[1]", true},
		{"colon", "Rates:A", true},
		{"asterisk", "Rates*", true},
		{"question", "Rates?", true},
		{"backslash", `Rates\A`, true},
		{"trailing quote", "Rates'", true},
		{"inner quote", "Provider's Rates", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSheetName(tt.sheet)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSheetName(%q) error = %v, wantErr %v", tt.sheet, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSheetName) {
				t.Fatalf("expected ErrInvalidSheetName, got %v", err)
			}
		})
	}
}

func TestGenerateFilename(t *testing.T) {
	got := GenerateFilename("MedicareRate", fixedNow(), ".xlsx")
	if got != "MedicareRate_March_05_24.xlsx" {
		t.Fatalf("GenerateFilename() = %q", got)
	}
}

func TestGraphUploadSuccess(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "item-1", "name": "MedicareRate_March_05_24.xlsx"})
	}))
	defer srv.Close()

	client := NewGraphClient(GraphConfig{
		BaseURL: srv.URL,
		SiteID:  "site-1",
		DriveID: "drive-1",
		Folder:  "Audit Reports",
	}, staticToken("tok-123"), WithClock(fixedNow))

	result, err := client.Upload(context.Background(), sampleRequest("MedicareRateMismatch"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if result["id"] != "item-1" {
		t.Fatalf("result = %v", result)
	}

	wantPath := "/sites/site-1/drives/drive-1/root:/Audit%20Reports/MedicareRate_March_05_24.xlsx:/content"
	if gotPath != wantPath {
		t.Fatalf("path = %q, want %q", gotPath, wantPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotType != formatters.NewXLSXFormatter().MIMEType() {
		t.Fatalf("Content-Type = %q", gotType)
	}

	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("uploaded body is not a workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("MedicareRateMismatch")
	if err != nil {
		t.Fatalf("GetRows failed: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "NPI" || rows[1][1] != "Austin" {
		t.Fatalf("unexpected sheet contents: %v", rows)
	}
}

func TestGraphUploadErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantBody map[string]any
	}{
		{
			name:   "json error",
			status: http.StatusForbidden,
			body:   `{"error":{"code":"accessDenied"}}`,
			wantBody: map[string]any{
				"error": map[string]any{"code": "accessDenied"},
			},
		},
		{
			name:     "plain text error",
			status:   http.StatusBadGateway,
			body:     "upstream unavailable",
			wantBody: map[string]any{"text": "upstream unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client := NewGraphClient(GraphConfig{BaseURL: srv.URL, SiteID: "s", DriveID: "d"}, staticToken("t"))
			_, err := client.Upload(context.Background(), sampleRequest("Sheet1"))

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransportError, got %T: %v", err, err)
			}
			if !errors.Is(err, ErrTransport) {
				t.Fatal("expected error to match ErrTransport")
			}
			if te.StatusCode != tt.status {
				t.Fatalf("StatusCode = %d, want %d", te.StatusCode, tt.status)
			}
			gotJSON, _ := json.Marshal(te.Body)
			wantJSON, _ := json.Marshal(tt.wantBody)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("Body = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestGraphUploadInvalidSheetMakesNoCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	var tokenCalls int32
	tokens := TokenProviderFunc(func(context.Context) (string, error) {
		atomic.AddInt32(&tokenCalls, 1)
		return "t", nil
	})

	client := NewGraphClient(GraphConfig{BaseURL: srv.URL, SiteID: "s", DriveID: "d"}, tokens)
	_, err := client.Upload(context.Background(), sampleRequest("Rates/2024"))

	if !errors.Is(err, ErrInvalidSheetName) {
		t.Fatalf("expected ErrInvalidSheetName, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Permanent() {
		t.Fatalf("expected permanent *ValidationError, got %v", err)
	}
	if calls != 0 || tokenCalls != 0 {
		t.Fatalf("expected no network activity, got %d uploads and %d token requests", calls, tokenCalls)
	}
}

func TestGraphUploadTokenFailure(t *testing.T) {
	tokens := TokenProviderFunc(func(context.Context) (string, error) {
		return "", errors.New("invalid_client")
	})
	client := NewGraphClient(GraphConfig{SiteID: "s", DriveID: "d"}, tokens)

	_, err := client.Upload(context.Background(), sampleRequest("Sheet1"))
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "token" {
		t.Fatalf("expected token TransportError, got %v", err)
	}
}

func TestGraphContentURLEscaping(t *testing.T) {
	client := NewGraphClient(GraphConfig{BaseURL: "https://graph.example/v1.0/", SiteID: "contoso.sharepoint.com,abc", DriveID: "b!x"}, nil)

	got := client.contentURL("General/Claims File Exchange & Audit/", "Terminated Providers_March_05_24.xlsx")
	want := "https://graph.example/v1.0/sites/contoso.sharepoint.com%2Cabc/drives/b%21x/root:/General/Claims%20File%20Exchange%20&%20Audit/Terminated%20Providers_March_05_24.xlsx:/content"
	if got != want {
		t.Fatalf("contentURL() =\n%s\nwant\n%s", got, want)
	}
}

func TestClientCredentialsToken(t *testing.T) {
	var form string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm.Get("grant_type") + " " + r.PostForm.Get("scope")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	provider := NewClientCredentials("tenant", "client", "secret", srv.URL)
	tok, err := provider.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "abc" {
		t.Fatalf("Token() = %q", tok)
	}
	if form != "client_credentials "+DefaultGraphScope {
		t.Fatalf("unexpected token request form: %q", form)
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-1"`)}, nil
}

func TestS3Upload(t *testing.T) {
	api := &fakeS3{}
	client := NewS3ClientWithAPI(S3Config{Bucket: "reports", Folder: "audit/"}, api, formatters.NewCSVFormatter())
	client.builder.now = fixedNow

	result, err := client.Upload(context.Background(), sampleRequest("Sheet1"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if got := aws.StringValue(api.input.Key); got != "audit/MedicareRate_March_05_24.csv" {
		t.Fatalf("Key = %q", got)
	}
	if result["etag"] != `"etag-1"` {
		t.Fatalf("result = %v", result)
	}
	if string(api.body) != "NPI,City\n1234567890,Austin\n1098765432,\n" {
		t.Fatalf("unexpected body %q", api.body)
	}

	api.err = errors.New("connection reset")
	if _, err := client.Upload(context.Background(), sampleRequest("Sheet1")); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestSpoolSave(t *testing.T) {
	dir := t.TempDir()
	c, err := compressors.GetCompressor("zstd", 3)
	if err != nil {
		t.Fatalf("GetCompressor failed: %v", err)
	}

	spool := NewSpool(filepath.Join(dir, "spool"), c, formatters.NewCSVFormatter()).WithClock(fixedNow)
	path, err := spool.Save(sampleRequest("Sheet1"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(path) != "MedicareRate_March_05_24.csv.zst" {
		t.Fatalf("unexpected spool path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open spool file: %v", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd.NewReader failed: %v", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	if !strings.HasPrefix(string(data), "NPI,City\n") {
		t.Fatalf("unexpected spool contents %q", data)
	}
}
