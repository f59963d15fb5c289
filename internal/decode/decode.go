// Package decode turns raw client bodies and queue messages into telemetry
// records.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"telmlog/internal/model"
)

var (
	ErrDecode         = errors.New("could not decode base64")
	ErrDecompress     = errors.New("could not decompress")
	ErrMalformedInput = errors.New("not valid json")
)

// DecodeBody decodes an uploaded request body. Base64 is undone first, then
// gzip when contentEncoding says so, and the result must be a JSON array of
// objects.
func DecodeBody(body []byte, isBase64 bool, contentEncoding string) ([]model.Record, error) {
	if isBase64 {
		decoded, err := decodeBase64(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		body = decoded
	}
	if strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip") {
		inflated, err := Gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		body = inflated
	}
	return parseArray(body)
}

// DecodeMessage decodes one published message. Compressed messages are
// base64 text wrapping a gzip stream; anything that is not base64, or whose
// bytes do not start with a gzip header, is read as plain JSON. A gzip stream
// that breaks after a valid header is reported rather than reparsed.
func DecodeMessage(message string) ([]model.Record, error) {
	trimmed := strings.TrimSpace(message)
	if raw, err := decodeBase64([]byte(trimmed)); err == nil {
		inflated, err := Gunzip(raw)
		switch {
		case err == nil:
			return parseOneOrMany(inflated)
		case !errors.Is(err, gzip.ErrHeader) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		case isGzipHeader(raw):
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
	}
	return parseOneOrMany([]byte(trimmed))
}

// Gunzip inflates a complete gzip stream.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Gzip compresses data into a single gzip member.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeMessage is the inverse of DecodeMessage for compressed messages.
func EncodeMessage(payload []byte) (string, error) {
	compressed, err := Gzip(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(compressed), nil
}

func decodeBase64(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	return base64.StdEncoding.DecodeString(text)
}

func isGzipHeader(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func parseArray(data []byte) ([]model.Record, error) {
	top, err := parseValue(data)
	if err != nil {
		return nil, err
	}
	items, ok := top.Items()
	if !ok {
		return nil, fmt.Errorf("%w: top level is %s, want array", ErrMalformedInput, top.Kind())
	}
	return toRecords(items)
}

func parseOneOrMany(data []byte) ([]model.Record, error) {
	top, err := parseValue(data)
	if err != nil {
		return nil, err
	}
	if rec, ok := top.Fields(); ok {
		return []model.Record{rec}, nil
	}
	items, ok := top.Items()
	if !ok {
		return nil, fmt.Errorf("%w: message is %s, want object or array", ErrMalformedInput, top.Kind())
	}
	return toRecords(items)
}

func parseValue(data []byte) (model.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return model.Value{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if dec.More() {
		return model.Value{}, fmt.Errorf("%w: trailing data after json value", ErrMalformedInput)
	}
	v, err := model.FromAny(raw)
	if err != nil {
		return model.Value{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return v, nil
}

func toRecords(items []model.Value) ([]model.Record, error) {
	out := make([]model.Record, 0, len(items))
	for i, item := range items {
		rec, ok := item.Fields()
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %s, want object", ErrMalformedInput, i, item.Kind())
		}
		out = append(out, rec)
	}
	return out, nil
}
