// Package server contains the plumbing shared by urnago server binaries:
// configuration, logging setup, and JSON response helpers.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	urna "github.com/votoseguro/urnago"
)

var Logger *logrus.Logger = logrus.StandardLogger()

// An Error maps an authority error condition onto an HTTP status and a
// machine-readable code.
type Error struct {
	Code        urna.AuthorityCode
	Status      int
	Description string
}

var (
	ErrorSessionUnknown    = Error{urna.CodeSessionUnknown, http.StatusUnauthorized, "Session token unknown or expired"}
	ErrorSessionConflict   = Error{urna.CodeSessionConflict, http.StatusConflict, "Another session is active for this identity"}
	ErrorInvalidRecord     = Error{urna.CodeInvalidRecord, http.StatusForbidden, "Identity record failed validation"}
	ErrorAlreadyVoted      = Error{urna.CodeAlreadyVoted, http.StatusForbidden, "Identity has already produced a receipt"}
	ErrorBlocked           = Error{urna.CodeBlocked, http.StatusForbidden, "Participation denied by policy"}
	ErrorRateLimited       = Error{urna.CodeRateLimited, http.StatusTooManyRequests, "Too many code requests"}
	ErrorCodeInvalid       = Error{urna.CodeCodeInvalid, http.StatusForbidden, "Second-factor code incorrect"}
	ErrorCodeExpired       = Error{urna.CodeCodeExpired, http.StatusForbidden, "Second-factor code expired"}
	ErrorAttemptsExhausted = Error{urna.CodeAttemptsExhausted, http.StatusForbidden, "Second-factor attempts exhausted"}
	ErrorSelectionInvalid  = Error{urna.CodeSelectionInvalid, http.StatusBadRequest, "Selection not on the ballot"}
	ErrorMalformedInput    = Error{urna.AuthorityCode("MALFORMED_INPUT"), http.StatusBadRequest, "Request could not be parsed"}
	ErrorInternal          = Error{urna.AuthorityCode("INTERNAL_ERROR"), http.StatusInternalServerError, "Internal server error"}
)

// RemoteError converts an Error and an explaining message to an
// urna.RemoteError as sent over the wire.
func RemoteError(err Error, message string) *urna.RemoteError {
	return &urna.RemoteError{
		Status:      err.Status,
		ErrorName:   string(err.Code),
		Description: err.Description,
		Message:     message,
	}
}

// WriteError writes the specified error and explaining message as JSON to
// the http.ResponseWriter.
func WriteError(w http.ResponseWriter, err Error, message string) {
	WriteRemoteError(w, RemoteError(err, message))
}

// WriteRemoteError writes a prepared RemoteError as JSON.
func WriteRemoteError(w http.ResponseWriter, rerr *urna.RemoteError) {
	Logger.WithFields(logrus.Fields{
		"status": rerr.Status,
		"error":  rerr.ErrorName,
	}).Warn("rejecting request: ", rerr.Message)
	write(w, rerr.Status, rerr)
}

// WriteJson writes the specified object as JSON to the http.ResponseWriter.
func WriteJson(w http.ResponseWriter, object interface{}) {
	write(w, http.StatusOK, object)
}

func write(w http.ResponseWriter, status int, object interface{}) {
	b, err := json.Marshal(object)
	if err != nil {
		Logger.Error("failed to serialize response: ", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// ParseBody reads and unmarshals a JSON request body.
func ParseBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// NewLogger returns a logger in the house style with the given verbosity:
// 0 is info, 1 includes debug, 2 includes trace; quiet clamps to warnings.
func NewLogger(verbosity int, quiet bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	switch {
	case quiet:
		logger.SetLevel(logrus.WarnLevel)
	case verbosity >= 2:
		logger.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// LogMiddleware returns middleware that logs every request at debug level.
func LogMiddleware(typ string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Logger.WithFields(logrus.Fields{
				"type":   typ,
				"method": r.Method,
				"path":   r.URL.Path,
				"from":   r.RemoteAddr,
			}).Debug("handling request")
			next.ServeHTTP(w, r)
		})
	}
}
