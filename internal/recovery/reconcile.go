package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"telmlog/internal/metrics"
)

const (
	statusFound          = "FOUND"
	statusNeedsAttention = "NEED ATTENTION"

	matchWindow    = 3 * time.Hour
	matchFrequency = 0.05

	recoveryTimeLayout = "2006-01-02T15:04:05"
)

// Outcomes, also used as metric labels.
const (
	OutcomeUploaded       = "uploaded"
	OutcomeDryRun         = "dry_run"
	OutcomeExists         = "exists"
	OutcomeSkipped        = "skipped"
	OutcomeSerialNotFound = "serial_not_found"
	OutcomeError          = "error"
)

var (
	errUnknownStatus = errors.New("status is neither found nor needs attention")
	errNoFinder      = errors.New("no finder")
	errNoCoordinates = errors.New("no found coordinates")
	errNoSerial      = errors.New("no serial")
)

type Summary map[string]int

type Reconciler struct {
	client      *Client
	attribution string
	dryRun      bool
	logger      *slog.Logger
}

func NewReconciler(client *Client, attribution string, dryRun bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{client: client, attribution: attribution, dryRun: dryRun, logger: logger}
}

// Run reads the feed once and pushes any recoveries SondeHub does not yet
// know about. Problems with a single log entry are logged and skipped; only
// a feed failure is returned.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	entries, err := r.client.FetchFeed(ctx)
	if err != nil {
		metrics.IncRecovery(OutcomeError)
		return nil, err
	}
	summary := Summary{}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome, err := r.reconcile(ctx, entry)
		summary[outcome]++
		metrics.IncRecovery(outcome)
		if err != nil && r.logger != nil {
			level := slog.LevelDebug
			if outcome == OutcomeError {
				level = slog.LevelError
			}
			r.logger.Log(ctx, level, "recovery not uploaded", "serial", string(entry.SondeNumber), "type", entry.Type, "outcome", outcome, "err", err)
		}
	}
	if r.logger != nil {
		r.logger.Info("recovery sync finished", "entries", len(entries), "summary", map[string]int(summary))
	}
	return summary, nil
}

func (r *Reconciler) reconcile(ctx context.Context, entry FeedEntry) (string, error) {
	report, err := BuildReport(entry, r.attribution)
	if err != nil {
		return OutcomeSkipped, err
	}
	if report.Serial == "" {
		lat, lon := report.Lat, report.Lon
		sightings, err := r.client.SearchSondes(ctx, lat, lon)
		if err != nil {
			return OutcomeError, err
		}
		serial, err := MatchSerial(entry, sightings)
		if err != nil {
			return OutcomeError, err
		}
		if serial == "" {
			return OutcomeSerialNotFound, errNoSerial
		}
		report.Serial = serial
	}

	existing, err := r.client.Recoveries(ctx, report.Serial)
	if err != nil {
		return OutcomeError, err
	}
	if !ShouldUpload(existing, report.Recovered) {
		return OutcomeExists, nil
	}
	if r.dryRun {
		if r.logger != nil {
			r.logger.Info("recovery (dry run)", "serial", report.Serial, "recovered", report.Recovered, "recovered_by", report.RecoveredBy)
		}
		return OutcomeDryRun, nil
	}
	if err := r.client.PutRecovery(ctx, report); err != nil {
		return OutcomeError, err
	}
	return OutcomeUploaded, nil
}

// BuildReport turns a feed entry into a recovery report. Serial is left
// empty for sonde types that have to be looked up by position.
func BuildReport(entry FeedEntry, attribution string) (Recovery, error) {
	var report Recovery
	switch entry.Status {
	case statusFound:
		report.Recovered = true
	case statusNeedsAttention:
		report.Recovered = false
	default:
		return report, errUnknownStatus
	}
	if entry.LogInfo.Finder == nil {
		return report, errNoFinder
	}
	report.RecoveredBy = *entry.LogInfo.Finder

	added, err := parseTimestamp(entry.LogInfo.LogAdded, time.UTC)
	if err != nil {
		return report, err
	}
	report.Datetime = added.Format(recoveryTimeLayout)
	report.Description = strings.TrimLeft(entry.LogInfo.Comment+" "+attribution, " \t\r\n")

	coords := entry.LogInfo.FoundCoordinates
	if coords.Latitude == "0" || coords.Longitude == "0" {
		return report, errNoCoordinates
	}
	if report.Lat, err = coords.Latitude.Float(); err != nil {
		return report, errNoCoordinates
	}
	if report.Lon, err = coords.Longitude.Float(); err != nil {
		return report, errNoCoordinates
	}

	if strings.Contains(entry.Type, "RS41") || strings.Contains(entry.Type, "RS92") {
		report.Serial = string(entry.SondeNumber)
		if report.Serial == "" {
			return report, errNoSerial
		}
	}
	return report, nil
}

// MatchSerial picks the sighting that was heard within three hours after
// launch, has a matching type and a frequency within 50 kHz. When several
// qualify the one heard closest to launch wins. An empty serial means no
// match.
func MatchSerial(entry FeedEntry, sightings map[string]Sighting) (string, error) {
	launch, err := parseTimestamp(entry.StartTime, time.UTC)
	if err != nil {
		return "", err
	}
	freq, err := entry.Frequency.Float()
	if err != nil {
		return "", err
	}
	best := ""
	var bestDelta time.Duration
	for serial, s := range sightings {
		heard, err := parseTimestamp(s.Datetime, time.UTC)
		if err != nil {
			continue
		}
		delta := heard.Sub(launch)
		if delta < 0 || delta >= matchWindow {
			continue
		}
		if !strings.Contains(entry.Type, s.Type) {
			continue
		}
		f, err := s.Frequency.Float()
		if err != nil || math.Abs(freq-f) >= matchFrequency {
			continue
		}
		if best == "" || delta < bestDelta || (delta == bestDelta && serial < best) {
			best, bestDelta = serial, delta
		}
	}
	return best, nil
}

// ShouldUpload reports whether a new report adds anything: either there is
// no report yet, or the latest one says not recovered and ours says
// recovered.
func ShouldUpload(existing []Recovery, recovered bool) bool {
	if len(existing) == 0 {
		return true
	}
	return !existing[0].Recovered && recovered
}
