package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// New builds the root logger. format is "json" or "console"; unknown levels fall back to info.
func New(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Device returns a child logger tagged with a device id
func Device(log zerolog.Logger, deviceID string) zerolog.Logger {
	return log.With().Str("device", deviceID).Logger()
}

// WhatsApp adapts a zerolog logger for whatsmeow clients and stores.
// whatsmeow is chatty at debug level, so it never logs below info.
func WhatsApp(log zerolog.Logger, module string) waLog.Logger {
	l := log.With().Str("module", module).Logger()
	if l.GetLevel() < zerolog.InfoLevel {
		l = l.Level(zerolog.InfoLevel)
	}
	return waLog.Zerolog(l)
}
