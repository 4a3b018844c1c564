package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// field is one leaf of a flattened record, keyed by its dotted JSON path.
type field struct {
	Key   string
	Value string
}

// flatten walks v's JSON encoding and returns its leaves in document order,
// so struct field order becomes column order.
func flatten(v any) ([]field, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out []field
	if err := walk(dec, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(dec *json.Decoder, prefix string, out *[]field) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := keyTok.(string)
				if err := walk(dec, join(prefix, key), out); err != nil {
					return err
				}
			}
		case '[':
			for i := 0; dec.More(); i++ {
				if err := walk(dec, join(prefix, strconv.Itoa(i)), out); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected delimiter %v", t)
		}
		_, err = dec.Token()
		return err
	case nil:
		*out = append(*out, field{Key: prefix})
	case string:
		*out = append(*out, field{Key: prefix, Value: t})
	case json.Number:
		*out = append(*out, field{Key: prefix, Value: t.String()})
	case bool:
		*out = append(*out, field{Key: prefix, Value: strconv.FormatBool(t)})
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// table builds a header from the first record's flattened fields and one row
// per record. Keys a later record lacks are left empty; keys only later
// records carry are dropped.
func table[T any](records []T) ([]string, [][]string, error) {
	if len(records) == 0 {
		return nil, nil, nil
	}
	first, err := flatten(records[0])
	if err != nil {
		return nil, nil, err
	}
	header := make([]string, len(first))
	for i, f := range first {
		header[i] = f.Key
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		fields, err := flatten(rec)
		if err != nil {
			return nil, nil, err
		}
		byKey := make(map[string]string, len(fields))
		for _, f := range fields {
			byKey[f.Key] = f.Value
		}
		row := make([]string, len(header))
		for i, k := range header {
			row[i] = byKey[k]
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
