package reference

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/storage"
)

// Object names under the reference prefix
const (
	SectorsFile = "sectors.csv" // sector,stock_code
	EmitenFile  = "emiten.csv"  // stock_code[,name,...]
)

// ErrBadReference is returned when a reference file cannot be interpreted
var ErrBadReference = errors.New("invalid reference file")

// Source produces a reference set
type Source interface {
	Load(ctx context.Context) (*Set, error)
}

// Loader reads the reference lists from object storage
type Loader struct {
	bucket *storage.Bucket
	prefix string
	logger *logger.Logger
}

// NewLoader creates a loader for files under prefix
func NewLoader(bucket *storage.Bucket, prefix string, log *logger.Logger) *Loader {
	return &Loader{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log.Module("reference"),
	}
}

// Prefix returns the storage prefix of the reference files
func (l *Loader) Prefix() string {
	return l.prefix
}

// Load reads sectors.csv (required) and emiten.csv (optional; without it the
// stock list is the union of all sector members)
func (l *Loader) Load(ctx context.Context) (*Set, error) {
	sectorRows, err := l.readTable(ctx, SectorsFile, []string{"sector", "sector_name"}, []string{"stock_code", "code", "emiten", "stock"})
	if err != nil {
		return nil, err
	}

	sectors := make(map[string][]string)
	for _, row := range sectorRows {
		sectors[row[0]] = append(sectors[row[0]], row[1])
	}

	var stocks []string
	emitenRows, err := l.readTable(ctx, EmitenFile, []string{"stock_code", "code", "emiten", "stock"})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		for _, codes := range sectors {
			stocks = append(stocks, codes...)
		}
	case err != nil:
		return nil, err
	default:
		for _, row := range emitenRows {
			stocks = append(stocks, row[0])
		}
	}

	set := NewSet(sectors, stocks)
	l.logger.WithFields(map[string]interface{}{
		"sectors": len(set.Sectors()),
		"stocks":  len(set.Stocks()),
	}).Info("Reference loaded")

	return set, nil
}

// readTable returns, per data line, the values of the requested columns.
// Each column is given as a list of accepted header names.
func (l *Loader) readTable(ctx context.Context, name string, columns ...[]string) ([][]string, error) {
	key := name
	if l.prefix != "" {
		key = l.prefix + "/" + name
	}

	data, err := l.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", key, err)
	}

	text := strings.TrimPrefix(string(data), "\ufeff")
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = detectComma(text)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s header: %w", key, ErrBadReference)
	}

	index := make([]int, len(columns))
	for i, aliases := range columns {
		index[i] = findColumn(header, aliases)
		if index[i] < 0 {
			return nil, fmt.Errorf("%s: missing column %s: %w", key, aliases[0], ErrBadReference)
		}
	}

	var rows [][]string
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", key, err, ErrBadReference)
		}

		row := make([]string, len(index))
		ok := true
		for i, idx := range index {
			if idx >= len(fields) || strings.TrimSpace(fields[idx]) == "" {
				ok = false
				break
			}
			row[i] = strings.TrimSpace(fields[idx])
		}
		if ok {
			rows = append(rows, row)
		}
	}

	return rows, nil
}

func findColumn(header []string, aliases []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, a := range aliases {
			if h == a {
				return i
			}
		}
	}
	return -1
}

func detectComma(text string) rune {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}
