// Package logging configures the process-wide logrus logger from the
// --log-format CLI flag (spec.md §6, §2.1). All logging in this server
// goes through logrus; the per-request and per-window tracing in session
// and cache is logged at Debug level.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Format names the --log-format values from spec.md §6.
type Format string

const (
	Default Format = "default"
	Compact Format = "compact"
	Full    Format = "full"
	JSON    Format = "json"
)

// Configure points the package-level logrus logger at the formatter
// named by format, mirroring main.rs's LogFormat match in tokio_main's
// CLI setup. An unrecognized format falls back to Default.
func Configure(format Format) {
	log.SetOutput(os.Stderr)

	switch format {
	case Compact:
		log.SetFormatter(&log.TextFormatter{
			DisableTimestamp: true,
			DisableLevelTruncation: true,
		})
	case Full:
		log.SetFormatter(&log.TextFormatter{
			ForceColors:   true,
			FullTimestamp: true,
		})
		log.SetReportCaller(true)
	case JSON:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// DefaultForTransport picks Compact when running under systemd (where
// timestamps are redundant with the journal's own) and Full otherwise,
// matching main.rs's rule for LogFormat::Default.
func DefaultForTransport(systemd bool) Format {
	if systemd {
		return Compact
	}
	return Full
}

// RequestFields builds the logrus.Fields of the debug line a session
// logs when it starts serving one request, mirroring the tracing::Span fields
// (remote, local, filename, op) recorded around handle_request in the
// original source's main.rs.
func RequestFields(remote, local, filename, op string) log.Fields {
	return log.Fields{
		"remote":   remote,
		"local":    local,
		"filename": filename,
		"op":       op,
	}
}
