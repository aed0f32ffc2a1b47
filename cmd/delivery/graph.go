package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/report"
)

// Graph defaults.
const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultFolder       = "General/SECUR - Central Operations Management Hub/Claims File Exchange & Audit Oversight/Audit Reports"
	DefaultTimeout      = 60 * time.Second
)

// HTTPClient executes HTTP requests. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GraphConfig holds the document library coordinates for Graph uploads.
type GraphConfig struct {
	BaseURL string
	SiteID  string
	DriveID string
	Folder  string
	Timeout time.Duration
}

// GraphClient uploads report artifacts to a SharePoint document library
// through the Microsoft Graph drive item content endpoint.
type GraphClient struct {
	cfg     GraphConfig
	tokens  TokenProvider
	client  HTTPClient
	builder builder
	logger  *slog.Logger
}

// GraphOption customizes a GraphClient.
type GraphOption func(*GraphClient)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(c HTTPClient) GraphOption {
	return func(g *GraphClient) { g.client = c }
}

// WithFormatter selects the artifact encoding (xlsx by default).
func WithFormatter(f formatters.Formatter) GraphOption {
	return func(g *GraphClient) { g.builder.formatter = f }
}

// WithClock overrides the clock used for file names.
func WithClock(now func() time.Time) GraphOption {
	return func(g *GraphClient) { g.builder.now = now }
}

// WithLogger sets the logger used for upload diagnostics.
func WithLogger(l *slog.Logger) GraphOption {
	return func(g *GraphClient) { g.logger = l }
}

// NewGraphClient creates a Graph delivery client.
func NewGraphClient(cfg GraphConfig, tokens TokenProvider, opts ...GraphOption) *GraphClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.Folder == "" {
		cfg.Folder = DefaultFolder
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	g := &GraphClient{
		cfg:     cfg,
		tokens:  tokens,
		client:  &http.Client{Timeout: cfg.Timeout},
		builder: newBuilder(nil, cfg.Folder),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.builder.formatter == nil {
		g.builder.formatter = formatters.NewXLSXFormatter()
	}
	return g
}

// Upload validates req, encodes it, and PUTs it into the configured folder,
// replacing any existing file of the same name. The decoded drive item is
// returned on success.
func (g *GraphClient) Upload(ctx context.Context, req report.UploadRequest) (map[string]any, error) {
	artifact, err := g.builder.build(req)
	if err != nil {
		return nil, err
	}

	if g.tokens == nil {
		return nil, &TransportError{Op: "token", Err: ErrNoTokenProvider}
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, &TransportError{Op: "token", Err: err}
	}

	endpoint := g.contentURL(artifact.Folder, artifact.Name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(artifact.Data))
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", artifact.ContentType)

	g.logger.Debug("uploading artifact",
		"file", artifact.Name,
		"folder", artifact.Folder,
		"bytes", len(artifact.Data))

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "upload", StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &TransportError{
			Op:         "upload",
			StatusCode: resp.StatusCode,
			Body:       decodeBody(raw),
		}
	}

	return decodeBody(raw), nil
}

// contentURL builds {base}/sites/{site}/drives/{drive}/root:/{folder}/{file}:/content
// with each path segment escaped.
func (g *GraphClient) contentURL(folder, name string) string {
	segments := make([]string, 0, 8)
	for _, s := range strings.Split(folder, "/") {
		if s != "" {
			segments = append(segments, url.PathEscape(s))
		}
	}
	segments = append(segments, url.PathEscape(name))

	return fmt.Sprintf("%s/sites/%s/drives/%s/root:/%s:/content",
		strings.TrimRight(g.cfg.BaseURL, "/"),
		url.PathEscape(g.cfg.SiteID),
		url.PathEscape(g.cfg.DriveID),
		strings.Join(segments, "/"))
}

func decodeBody(raw []byte) map[string]any {
	var body map[string]any
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return map[string]any{"text": string(raw)}
	}
	return body
}
