// Package export reads the tabular export file produced by the
// conversion collaborator: a CSV whose first row names the columns.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/alexiokay/freshandtidy-backend-zipcodes-update/internal/pipeline"
)

// Record is one export row, keyed by column name.
type Record map[string]string

// Document is a fully parsed export.
type Document struct {
	// Columns is the header row in file order. Names are unique.
	Columns []string

	// Records holds every data row keyed by column name.
	Records []Record
}

// ReadFile parses the export at path. Any structural problem (missing
// file, empty file, duplicate or blank column names, ragged rows) is
// reported as ErrParse.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening export: %v", pipeline.ErrParse, err)
	}
	defer f.Close()

	doc, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Read parses an export from r.
func Read(r io.Reader) (*Document, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: export is empty", pipeline.ErrParse)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", pipeline.ErrParse, err)
	}

	seen := make(map[string]bool, len(header))
	for i, name := range header {
		if name == "" {
			return nil, fmt.Errorf("%w: header column %d is blank", pipeline.ErrParse, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate header column %q", pipeline.ErrParse, name)
		}
		seen[name] = true
	}

	doc := &Document{Columns: header}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrParse, err)
		}

		rec := make(Record, len(header))
		for i, name := range header {
			rec[name] = row[i]
		}
		doc.Records = append(doc.Records, rec)
	}

	return doc, nil
}
