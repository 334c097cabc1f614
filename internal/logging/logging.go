package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	filtered = "[FILTERED]"
)

var formats = map[string]logrus.Formatter{
	FormatText: &logrus.TextFormatter{FullTimestamp: true},
	FormatJSON: new(logrus.JSONFormatter),
}

// Setup applies level and format to logger and registers a redaction hook
// for secrets. Empty level and format keep info and text.
func Setup(logger *logrus.Logger, level, format string, secrets []string) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if level == "" {
		level = "info"
	}

	parsed, err := logrus.ParseLevel(level)

	if err != nil {
		return errors.Wrap(err, "log level")
	}

	if format == "" {
		format = FormatText
	}

	formatter, ok := formats[format]
	if !ok {
		return errors.Errorf("unknown log format %q, expected text or json", format)
	}

	logger.SetLevel(parsed)
	logger.SetFormatter(formatter)

	if len(secrets) > 0 {
		logger.AddHook(NewRedactHook(secrets...))
	}

	return nil
}

// RedactHook replaces secret values in messages and fields.
type RedactHook struct {
	replacer *strings.Replacer
}

func NewRedactHook(secrets ...string) *RedactHook {
	return &RedactHook{replacer: NewRedactor(secrets...)}
}

// NewRedactor returns a replacer masking every non-empty secret.
func NewRedactor(secrets ...string) *strings.Replacer {
	var pairs []string
	for _, secret := range secrets {
		if secret != "" {
			pairs = append(pairs, secret, filtered)
		}
	}

	return strings.NewReplacer(pairs...)
}

// RedactWriter masks secrets in everything written through it. A secret
// split across two writes is not masked.
type RedactWriter struct {
	w        io.Writer
	replacer *strings.Replacer
}

func NewRedactWriter(w io.Writer, secrets ...string) *RedactWriter {
	return &RedactWriter{w: w, replacer: NewRedactor(secrets...)}
}

func (r *RedactWriter) Write(p []byte) (int, error) {
	if _, err := r.replacer.WriteString(r.w, string(p)); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RedactHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.replacer.Replace(entry.Message)

	for key, value := range entry.Data {
		switch v := value.(type) {
		case string:
			entry.Data[key] = h.replacer.Replace(v)
		case error:
			entry.Data[key] = h.replacer.Replace(v.Error())
		case fmt.Stringer:
			entry.Data[key] = h.replacer.Replace(v.String())
		}
	}

	return nil
}
