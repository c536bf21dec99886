package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
)

// CSVWriter writes JSON-tagged structs as CSV rows. The header is the
// sorted set of JSON keys of the first item.
type CSVWriter[T any] struct {
	writer *csv.Writer
	keys   []string
}

func NewCSVWriter[T any](dest io.Writer) *CSVWriter[T] {
	return &CSVWriter[T]{writer: csv.NewWriter(dest)}
}

func (cw *CSVWriter[T]) Append(item T) error {
	jsonData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshalling JSON: %w", err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("unmarshalling JSON: %w", err)
	}

	if cw.keys == nil {
		cw.keys = slices.Sorted(maps.Keys(data))
		if err := cw.writer.Write(cw.keys); err != nil {
			return err
		}
	}

	values := make([]string, 0, len(cw.keys))
	for _, k := range cw.keys {
		switch v := data[k].(type) {
		case nil:
			values = append(values, "")
		case float64:
			values = append(values, strconv.FormatFloat(v, 'f', -1, 64))
		case string:
			values = append(values, v)
		default:
			b, _ := json.Marshal(v)
			values = append(values, string(b))
		}
	}
	return cw.writer.Write(values)
}

func (cw *CSVWriter[T]) Flush() error {
	cw.writer.Flush()
	return cw.writer.Error()
}
