package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Record is one telemetry report: a balloon position plus whatever extra
// fields the uploading software chose to send.
type Record map[string]Value

func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r Record) Get(key string) (Value, bool) {
	v, ok := r[key]
	return v, ok
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r Record) encode(buf *bytes.Buffer) error {
	if r == nil {
		buf.WriteString("null")
		return nil
	}
	buf.WriteByte('{')
	for i, k := range sortedKeys(r) {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := r[k].encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

var errNotObject = errors.New("model: record is not a json object")

func (r *Record) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	fields, ok := v.Fields()
	if !ok {
		return errNotObject
	}
	*r = fields
	return nil
}

// Rejection is echoed back to the uploader for every record that failed
// validation. Payload is the record exactly as it was received.
type Rejection struct {
	ErrorMessage string `json:"error_message"`
	Payload      Record `json:"payload"`
}

// QueueEntry is one transport-level message handed to the indexer.
type QueueEntry struct {
	Body string `json:"body"`
}

// QueueEnvelope wraps a published batch the way the topic delivers it.
type QueueEnvelope struct {
	Message string `json:"Message"`
}

// IndexFailure describes a document the search engine refused permanently.
type IndexFailure struct {
	Timestamp time.Time `json:"timestamp"`
	Index     string    `json:"index"`
	ErrorType string    `json:"error_type"`
	Reason    string    `json:"reason,omitempty"`
	Document  Record    `json:"document"`
}

// RejectionEvent is a rejection annotated with where and when it happened.
type RejectionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	UserAgent string    `json:"user_agent,omitempty"`
	Rejection
}
