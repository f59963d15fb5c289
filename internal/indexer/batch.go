package indexer

import (
	"errors"
	"unicode/utf8"

	"telmlog/internal/model"
)

const partitionKeyLen = 7

var (
	errNoDatetime    = errors.New("record has no datetime")
	errBadDatetime   = errors.New("datetime is not a string")
	errShortDatetime = errors.New("datetime is shorter than a year and month")
)

// PartitionKey returns the "YYYY-MM" prefix of a record's datetime.
func PartitionKey(rec model.Record) (string, error) {
	v, ok := rec.Get("datetime")
	if !ok {
		return "", errNoDatetime
	}
	s, ok := v.Str()
	if !ok {
		return "", errBadDatetime
	}
	if utf8.RuneCountInString(s) < partitionKeyLen {
		return "", errShortDatetime
	}
	n := 0
	for i := range s {
		if n == partitionKeyLen {
			return s[:i], nil
		}
		n++
	}
	return s, nil
}

// IndexBatch groups records by partition. Partitions keep the order they were
// first seen in and records keep their arrival order; nothing is sorted or
// deduplicated.
type IndexBatch struct {
	order      []string
	partitions map[string][]model.Record
}

func NewIndexBatch() *IndexBatch {
	return &IndexBatch{partitions: make(map[string][]model.Record)}
}

// Add files rec under its partition. Records without a usable datetime are
// not added and the reason is returned.
func (b *IndexBatch) Add(rec model.Record) error {
	key, err := PartitionKey(rec)
	if err != nil {
		return err
	}
	if _, ok := b.partitions[key]; !ok {
		b.order = append(b.order, key)
	}
	b.partitions[key] = append(b.partitions[key], rec)
	return nil
}

func (b *IndexBatch) Partitions() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

func (b *IndexBatch) Records(partition string) []model.Record {
	return b.partitions[partition]
}

func (b *IndexBatch) Len() int {
	n := 0
	for _, recs := range b.partitions {
		n += len(recs)
	}
	return n
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, errNoDatetime):
		return "missing_datetime"
	case errors.Is(err, errBadDatetime):
		return "invalid_datetime"
	case errors.Is(err, errShortDatetime):
		return "short_datetime"
	default:
		return "unknown"
	}
}
