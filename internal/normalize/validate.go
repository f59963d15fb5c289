package normalize

import (
	"fmt"

	"telmlog/internal/model"
)

var (
	numericFields  = []string{"alt", "lat", "lon"}
	requiredFields = []string{"datetime", "uploader_callsign", "software_name", "alt", "lat", "lon"}
)

const devFlagReason = "All checks passed however payload contained dev flag so will not be uploaded to the database"

type Result struct {
	Accepted bool
	Reason   string
}

func Accept() Result { return Result{Accepted: true} }

func Reject(reason string) Result { return Result{Reason: reason} }

// Validate checks field presence and numeric types only. Ranges and formats
// are left to the consumers of the data.
func Validate(rec model.Record) Result {
	for _, field := range requiredFields {
		if !rec.Has(field) {
			return Reject(fmt.Sprintf("Missing %s field", field))
		}
	}
	// The wording is what uploaders already match on; keep it.
	for _, field := range numericFields {
		if v := rec[field]; !v.IsNumber() {
			return Reject(fmt.Sprintf("%s should not be a float", field))
		}
	}
	if rec.Has("dev") {
		return Reject(devFlagReason)
	}
	return Accept()
}
