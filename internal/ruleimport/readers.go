package ruleimport

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
	"gopkg.in/yaml.v3"
)

// emitFunc receives each row in file order. rowErr is set when the row
// could be read but one of its fields could not be parsed.
type emitFunc func(row RuleRow, rowErr error) error

// readFile streams the rows of a rule file to emit
func readFile(path string, format FileFormat, emit emitFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open rule file: %w", err)
	}
	defer file.Close()

	switch format {
	case FormatCSV:
		return readCSV(file, emit)
	case FormatJSON:
		return readJSON(file, emit)
	case FormatYAML:
		return readYAML(file, emit)
	case FormatParquet:
		return readParquet(file, emit)
	default:
		return fmt.Errorf("unsupported file format: %s", format)
	}
}

var requiredColumns = []string{"id", "pattern", "pattern_type", "severity"}

// readCSV reads a CSV file with a header row. Column order is free;
// unknown columns are ignored and lines starting with # are comments.
func readCSV(r io.Reader, emit emitFunc) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("CSV header is missing column %q", name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read CSV record: %w", err)
		}

		row := RuleRow{
			ID:          strings.TrimSpace(field(record, "id")),
			Name:        strings.TrimSpace(field(record, "name")),
			Pattern:     field(record, "pattern"),
			PatternType: strings.TrimSpace(field(record, "pattern_type")),
			Category:    strings.TrimSpace(field(record, "category")),
			Severity:    strings.TrimSpace(field(record, "severity")),
		}

		var rowErr error
		if raw := strings.TrimSpace(field(record, "is_active")); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				rowErr = fmt.Errorf("is_active: invalid boolean %q", raw)
			} else {
				row.IsActive = &active
			}
		}

		if err := emit(row, rowErr); err != nil {
			return err
		}
	}
}

// readJSON accepts a JSON array of rules or one JSON object per line
func readJSON(r io.Reader, emit emitFunc) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read JSON: %w", err)
	}

	decoder := json.NewDecoder(br)
	decoder.DisallowUnknownFields()

	if first == '[' {
		if _, err := decoder.Token(); err != nil {
			return fmt.Errorf("failed to read JSON array: %w", err)
		}
		for decoder.More() {
			var row RuleRow
			if err := decoder.Decode(&row); err != nil {
				return fmt.Errorf("failed to read JSON record: %w", err)
			}
			if err := emit(row, nil); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		var row RuleRow
		err := decoder.Decode(&row)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read JSON record: %w", err)
		}
		if err := emit(row, nil); err != nil {
			return err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
		default:
			return b[0], nil
		}
	}
}

// readYAML accepts a top-level list of rules or a mapping with a rules key
func readYAML(r io.Reader, emit emitFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read YAML: %w", err)
	}

	var rows []RuleRow
	if err := yaml.Unmarshal(data, &rows); err != nil {
		var doc struct {
			Rules []RuleRow `yaml:"rules"`
		}
		if docErr := yaml.Unmarshal(data, &doc); docErr != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		rows = doc.Rules
	}

	for _, row := range rows {
		if err := emit(row, nil); err != nil {
			return err
		}
	}
	return nil
}

// readParquet reads rows by column name
func readParquet(file *os.File, emit emitFunc) error {
	reader := parquet.NewReader(file)
	defer reader.Close()

	for {
		var row RuleRow
		err := reader.Read(&row)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read Parquet record: %w", err)
		}
		if err := emit(row, nil); err != nil {
			return err
		}
	}
}
