package datasync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/ridemeter/pkg"
)

// Field aliases seen across the public city datasets, in precedence order
var (
	nameKeys    = []string{"name"}
	countryKeys = []string{"country", "country_code"}
	stateKeys   = []string{"state", "state_name", "admin1"}
	latKeys     = []string{"lat", "latitude"}
	lonKeys     = []string{"lon", "lng", "longitude"}
)

const unknownName = "Unknown"

// ParseCities streams a JSON array of city objects from r and calls emit for
// every record whose country matches (case-insensitive). The array is never
// held in memory; each element is decoded on its own. progress, if set, gets
// the running count of array elements consumed, matching or not. It returns
// the number of matching records.
func ParseCities(r io.Reader, country string, emit func(pkg.CityRecord) error, progress func(processed int)) (int, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("failed to read dataset start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("dataset is not a JSON array (got %v)", tok)
	}

	matched, processed := 0, 0
	for dec.More() {
		var fields map[string]json.RawMessage
		err := dec.Decode(&fields)
		var typeErr *json.UnmarshalTypeError
		if err != nil && !errors.As(err, &typeErr) {
			return matched, fmt.Errorf("failed to decode city %d: %w", processed, err)
		}
		processed++
		if progress != nil {
			progress(processed)
		}
		if err != nil {
			// non-object element, already consumed
			continue
		}

		record, ok := recordFromFields(fields, country)
		if !ok {
			continue
		}
		if err := emit(record); err != nil {
			return matched, err
		}
		matched++
	}

	if _, err := dec.Token(); err != nil {
		return matched, fmt.Errorf("failed to read dataset end: %w", err)
	}
	return matched, nil
}

func recordFromFields(fields map[string]json.RawMessage, country string) (pkg.CityRecord, bool) {
	cc := stringField(fields, countryKeys)
	if !strings.EqualFold(cc, country) {
		return pkg.CityRecord{}, false
	}

	name := stringField(fields, nameKeys)
	if name == "" {
		name = unknownName
	}
	return pkg.CityRecord{
		Name:      name,
		State:     stringField(fields, stateKeys),
		Country:   cc,
		Latitude:  floatField(fields, latKeys),
		Longitude: floatField(fields, lonKeys),
	}, true
}

func stringField(fields map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		// numbers and bools keep their literal text
		if text := strings.TrimSpace(string(raw)); text != "null" && !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
			return text
		}
	}
	return ""
}

// floatField accepts JSON numbers and numeric strings; anything else is 0
func floatField(fields map[string]json.RawMessage, keys []string) float64 {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return v
			}
		}
		return 0
	}
	return 0
}
