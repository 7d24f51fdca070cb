package api

import (
	"net/http"
	"regexp"

	"go.uber.org/zap"
)

// maxErrorMessageLength bounds error text sent to clients
const maxErrorMessageLength = 256

var (
	sqliteURLPattern = regexp.MustCompile(`sqlite://[^\s"']+`)
	filePathPattern  = regexp.MustCompile(`(?:/[^/\s:"']+)+`)
	stackPattern     = regexp.MustCompile(`(?m)^goroutine \d+.*$`)
)

// sanitizeErrorMessage removes file paths and stack traces before a message reaches a client
func sanitizeErrorMessage(message string) string {
	message = sqliteURLPattern.ReplaceAllString(message, "[DATABASE_CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	message = stackPattern.ReplaceAllString(message, "[STACK_TRACE]")

	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError logs the full error and sends the sanitized message to the client
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Warnw(message, "status_code", statusCode)
		}
	}

	http.Error(w, sanitizeErrorMessage(message), statusCode)
}
