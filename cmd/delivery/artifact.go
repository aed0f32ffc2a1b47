package delivery

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/report"
)

const maxSheetNameLength = 31

const invalidSheetChars = `[]:*?/\`

// ValidateSheetName applies Excel's worksheet naming rules.
func ValidateSheetName(name string) error {
	if name == "" {
		return &ValidationError{Field: "sheet_name", Message: "sheet name is required"}
	}
	if utf8.RuneCountInString(name) > maxSheetNameLength {
		return &ValidationError{Field: "sheet_name", Message: fmt.Sprintf("sheet names must be %d characters or fewer", maxSheetNameLength)}
	}
	if strings.ContainsAny(name, invalidSheetChars) {
		return &ValidationError{Field: "sheet_name", Message: `sheet names cannot contain any of []:*?/\ characters`}
	}
	if strings.HasSuffix(name, "'") {
		return &ValidationError{Field: "sheet_name", Message: "sheet names cannot end with a single quote (')"}
	}
	return nil
}

// GenerateFilename builds "<stem>_<Month>_<DD>_<YY><ext>",
// e.g. MedicareRate_March_05_24.xlsx.
func GenerateFilename(stem string, now time.Time, ext string) string {
	return fmt.Sprintf("%s_%s%s", stem, now.Format("January_02_06"), ext)
}

// Artifact is an encoded report file ready for transfer.
type Artifact struct {
	Name        string
	Folder      string
	ContentType string
	Data        []byte
}

// builder validates requests and encodes them into artifacts. It is shared by
// every backend so they name and format files identically.
type builder struct {
	formatter     formatters.Formatter
	defaultFolder string
	now           func() time.Time
}

func newBuilder(formatter formatters.Formatter, defaultFolder string) builder {
	if formatter == nil {
		formatter = formatters.NewXLSXFormatter()
	}
	return builder{
		formatter:     formatter,
		defaultFolder: defaultFolder,
		now:           time.Now,
	}
}

func (b builder) build(req report.UploadRequest) (*Artifact, error) {
	if err := ValidateSheetName(req.SheetName); err != nil {
		return nil, err
	}

	columns, rows := req.Table()
	data, err := b.formatter.Format(formatters.Table{
		Sheet:   req.SheetName,
		Columns: columns,
		Rows:    rows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s artifact: %w", req.SheetName, err)
	}

	folder := strings.Trim(req.Folder, "/")
	if folder == "" {
		folder = strings.Trim(b.defaultFolder, "/")
	}

	return &Artifact{
		Name:        GenerateFilename(req.FileNameStem, b.now(), b.formatter.Extension()),
		Folder:      folder,
		ContentType: b.formatter.MIMEType(),
		Data:        data,
	}, nil
}
