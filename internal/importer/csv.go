package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"compsense/server/internal/models"
)

// RowError reports a row that could not be turned into a sale record.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// Result is the outcome of reading one CSV source.
type Result struct {
	Records []*models.SaleRecord
	Errors  []RowError
	Rows    int
}

// ReadCSV reads sale records from a CSV export with a header row. Malformed
// rows are reported in Result.Errors and skipped; only an unreadable header
// or stream fails the whole read.
func ReadCSV(r io.Reader, resolver *SaleResolver, logger *logrus.Logger) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}

	result := &Result{}
	for {
		values, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Rows++
				result.Errors = append(result.Errors, RowError{Line: parseErr.Line, Err: parseErr.Err})
				continue
			}
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if isBlank(values) {
			continue
		}

		result.Rows++
		line, _ := reader.FieldPos(0)
		record, err := resolver.Resolve(NewRow(headers, values))
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Err: err})
			continue
		}
		result.Records = append(result.Records, record)
	}

	logger.WithFields(logrus.Fields{
		"rows":     result.Rows,
		"accepted": len(result.Records),
		"rejected": len(result.Errors),
	}).Info("Read sales CSV")

	return result, nil
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
