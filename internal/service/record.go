package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
)

// LastUpdateAttribute is stamped on every record sent to the index.
const LastUpdateAttribute = "algoliaLastUpdateAtCET"

const lastUpdateLayout = "2006-01-02 15:04:05"

// Attributes never cast to numbers, in addition to configured ones.
var defaultNonCastable = []string{"sku", "name", "description", "query"}

// Attributes dropped one at a time from oversize records, in order.
var potentiallyLongAttributes = []string{"description", "short_description", "meta_description", "content"}

var numericPattern = regexp.MustCompile(`^\s*[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?\s*$`)

var cetLocation = loadCET()

func loadCET() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.UTC
	}
	return loc
}

// RecordPreparer normalizes records before they are written.
type RecordPreparer struct {
	maxSize     int
	nonCastable map[string]bool
	dateFields  map[string]bool
	now         func() time.Time
}

// NewRecordPreparer creates a preparer.
// Parameters:
//   - maxSize: maximum serialized record size in bytes.
//   - nonCastable: extra attributes excluded from numeric casting.
//   - dateFields: attributes converted to unix seconds.
//
// Returns:
//   - *RecordPreparer: ready to use preparer.
func NewRecordPreparer(maxSize int, nonCastable, dateFields []string) *RecordPreparer {
	p := &RecordPreparer{
		maxSize:     maxSize,
		nonCastable: make(map[string]bool),
		dateFields:  make(map[string]bool),
		now:         time.Now,
	}
	for _, a := range defaultNonCastable {
		p.nonCastable[a] = true
	}
	for _, a := range nonCastable {
		p.nonCastable[a] = true
	}
	for _, f := range dateFields {
		p.dateFields[f] = true
	}
	return p
}

// Prepare returns a normalized copy of rec. The input is not modified.
func (p *RecordPreparer) Prepare(rec domain.Record) domain.Record {
	out := make(domain.Record, len(rec)+1)
	for key, value := range rec {
		if p.dateFields[key] {
			value = toEpoch(value)
		}
		if !p.nonCastable[key] && key != "objectID" {
			value = castValue(value)
		}
		out[key] = value
	}
	out[LastUpdateAttribute] = p.now().In(cetLocation).Format(lastUpdateLayout)
	return out
}

// castValue casts numeric-looking strings. Pipe-delimited strings are split
// and each element is cast on its own; lists are cast element by element.
func castValue(value any) any {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "|") {
			parts := strings.Split(v, "|")
			out := make([]any, len(parts))
			for i, part := range parts {
				out[i] = castScalar(part)
			}
			return out
		}
		return castScalar(v)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = castScalar(s)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if s, ok := item.(string); ok {
				out[i] = castScalar(s)
			} else {
				out[i] = item
			}
		}
		return out
	}
	return value
}

// castScalar casts to int64 when the numeric value is integral, otherwise to a finite float64.
func castScalar(s string) any {
	if !numericPattern.MatchString(s) {
		return s
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return s
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// toEpoch converts dates to unix seconds. Values that are not dates are kept.
func toEpoch(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.Unix()
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.Unix()
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
				return t.Unix()
			}
		}
	}
	return value
}

// recordSize is the serialized length of rec in bytes.
func recordSize(rec domain.Record) int {
	data, err := json.Marshal(rec)
	if err != nil {
		return math.MaxInt
	}
	return len(data)
}

// FitRecord shrinks an oversize record. It removes the potentially long
// attributes one at a time, then pops trailing entries of a list-valued sku
// when that is the longest remaining attribute, never below one entry.
// rec is modified in place. It returns the record, whether it fits, and a note
// describing what changed.
func (p *RecordPreparer) FitRecord(rec domain.Record) (domain.Record, bool, string) {
	size := recordSize(rec)
	if size <= p.maxSize {
		return rec, true, ""
	}

	objectID := fmt.Sprint(rec["objectID"])
	var removed []string
	for _, attr := range potentiallyLongAttributes {
		if _, ok := rec[attr]; !ok {
			continue
		}
		delete(rec, attr)
		removed = append(removed, attr)
		if size = recordSize(rec); size <= p.maxSize {
			return rec, true, fmt.Sprintf("objectID %s: removed %s", objectID, strings.Join(removed, ", "))
		}
	}

	if longestAttribute(rec) == "sku" {
		if skus, ok := asList(rec["sku"]); ok && len(skus) > 1 {
			popped := 0
			for len(skus) > 1 && size > p.maxSize {
				skus = skus[:len(skus)-1]
				rec["sku"] = skus
				popped++
				size = recordSize(rec)
			}
			if size <= p.maxSize {
				removed = append(removed, fmt.Sprintf("%d sku entries", popped))
				return rec, true, fmt.Sprintf("objectID %s: removed %s", objectID, strings.Join(removed, ", "))
			}
		}
	}

	return nil, false, fmt.Sprintf("objectID %s: skipped, %d bytes exceeds %d", objectID, size, p.maxSize)
}

// longestAttribute returns the attribute with the longest serialized value.
// Ties go to the alphabetically first key.
func longestAttribute(rec domain.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	longest, longestLen := "", -1
	for _, k := range keys {
		data, err := json.Marshal(rec[k])
		if err != nil {
			continue
		}
		if len(data) > longestLen {
			longest, longestLen = k, len(data)
		}
	}
	return longest
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return append([]any(nil), v...), true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
