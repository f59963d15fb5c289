package normalize

import (
	"math"
	"strconv"
	"strings"

	"telmlog/internal/model"
)

var DefaultHiddenCallsigns = []string{"MYCALL", "4FSKTEST", "4FSKTEST-V2"}

// Normalizer derives the indexed fields of an accepted record. It is safe for
// concurrent use once built.
type Normalizer struct {
	hidden map[string]struct{}
}

func NewNormalizer(hiddenCallsigns []string) *Normalizer {
	if hiddenCallsigns == nil {
		hiddenCallsigns = DefaultHiddenCallsigns
	}
	n := &Normalizer{hidden: make(map[string]struct{}, len(hiddenCallsigns))}
	for _, call := range hiddenCallsigns {
		call = strings.TrimSpace(call)
		if call == "" {
			continue
		}
		n.hidden[call] = struct{}{}
	}
	return n
}

// Normalize returns a new record; rec itself is left untouched. userAgent is
// attached only when non-empty.
func (n *Normalizer) Normalize(rec model.Record, userAgent string) model.Record {
	out := rec.Clone()
	if userAgent != "" {
		out["user-agent"] = model.String(userAgent)
	}
	out["position"] = model.String(coordinateText(out["lat"]) + "," + coordinateText(out["lon"]))
	if n.IsHidden(out) {
		out["telemetry_hidden"] = model.Bool(true)
	}
	collapseUploaderPosition(out)
	return out
}

func (n *Normalizer) IsHidden(rec model.Record) bool {
	call, ok := rec["payload_callsign"].Str()
	if !ok {
		return false
	}
	_, hidden := n.hidden[call]
	return hidden
}

func collapseUploaderPosition(rec model.Record) {
	pos, ok := rec.Get("uploader_position")
	if !ok {
		return
	}
	items, isArray := pos.Items()
	if !pos.Truthy() || !isArray || len(items) < 2 || items[0].IsNull() || items[1].IsNull() {
		delete(rec, "uploader_position")
		return
	}
	if len(items) >= 3 {
		rec["uploader_alt"] = items[2]
	}
	rec["uploader_position"] = model.String(coordinateText(items[0]) + "," + coordinateText(items[1]))
}

// coordinateText renders a coordinate for the derived position strings.
// Integers keep their literal. Other numbers use the shortest float form,
// with ".0" on whole values and exponent notation only below 1e-4 or from
// 1e16 upwards, so 1e2 and 100.00 both render as "100.0".
func coordinateText(v model.Value) string {
	switch v.Kind() {
	case model.KindNumber:
		lit := v.Text()
		if !strings.ContainsAny(lit, ".eE") {
			return lit
		}
		f, ok := v.Float64()
		if !ok {
			return lit
		}
		return floatText(f)
	case model.KindBool:
		if v.Truthy() {
			return "True"
		}
		return "False"
	case model.KindNull:
		return "None"
	}
	return v.Text()
}

func floatText(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err == nil && (exp < -4 || exp >= 16) {
		return sci
	}
	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(fixed, ".") {
		fixed += ".0"
	}
	return fixed
}
