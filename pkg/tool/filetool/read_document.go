// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filetool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/tool/functiontool"
)

// ReadDocumentConfig configures the read_document tool.
type ReadDocumentConfig struct {
	MaxFileSize      int64
	WorkingDirectory string

	// MaxSheetRows bounds spreadsheet extraction per sheet.
	MaxSheetRows int
}

// ReadDocumentArgs defines the parameters for reading a document.
type ReadDocumentArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path to a .pdf .docx .xlsx or .xlsm document"`
}

// NewReadDocument creates the read_document tool: text extraction from
// PDF, Word, and Excel attachments so agents can reason over uploaded
// documents. Plain text files belong to read_file instead.
func NewReadDocument(cfg *ReadDocumentConfig) (tool.CallableTool, error) {
	if cfg == nil {
		cfg = &ReadDocumentConfig{}
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 33554432 // 32MB
	}
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "./"
	}
	if cfg.MaxSheetRows == 0 {
		cfg.MaxSheetRows = 1000
	}

	return functiontool.NewWithValidation(
		functiontool.Config{
			Name:        "read_document",
			Description: "Extract the text content of a PDF, Word (.docx), or Excel (.xlsx/.xlsm) document. Use read_file for plain text files.",
		},
		func(ctx tool.Context, args ReadDocumentArgs) (map[string]any, error) {
			return readDocumentImpl(cfg, args)
		},
		func(args ReadDocumentArgs) error {
			return validatePath(cfg.WorkingDirectory, args.Path)
		},
	)
}

func readDocumentImpl(cfg *ReadDocumentConfig, args ReadDocumentArgs) (map[string]any, error) {
	path := args.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.WorkingDirectory, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", args.Path, err)
	}
	if info.Size() > cfg.MaxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, above the %d byte limit", args.Path, info.Size(), cfg.MaxFileSize)
	}

	var (
		text   string
		format string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		format = "pdf"
		text, err = extractPDF(path)
	case ".docx":
		format = "docx"
		text, err = extractDOCX(path)
	case ".xlsx", ".xlsm":
		format = "xlsx"
		text, err = extractXLSX(path, cfg.MaxSheetRows)
	default:
		return nil, fmt.Errorf("unsupported document type %s (supported: .pdf, .docx, .xlsx, .xlsm)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", args.Path, err)
	}

	return map[string]any{
		"result": text,
		"format": format,
		"bytes":  info.Size(),
	}, nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// docxTagPattern strips WordprocessingML markup, leaving run text.
var docxTagPattern = regexp.MustCompile(`<[^>]+>`)

func extractDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	raw := r.Editable().GetContent()
	// Paragraph and break boundaries become newlines before tags drop.
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")
	raw = strings.ReplaceAll(raw, "<w:br/>", "\n")
	text := docxTagPattern.ReplaceAllString(raw, "")
	return strings.TrimSpace(text), nil
}

func extractXLSX(path string, maxRows int) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "# Sheet: %s\n", sheet)
		for i, row := range rows {
			if i >= maxRows {
				fmt.Fprintf(&b, "... (%d more rows truncated)\n", len(rows)-maxRows)
				break
			}
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
