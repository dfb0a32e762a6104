package urna

import (
	"fmt"
	"strings"

	"github.com/go-errors/errors"
)

// ErrorType classifies what went wrong during an authority call, at the
// transport/protocol level. The voter-facing failure taxonomy is
// BlockCategory; an ErrorType is an input to that classification, never
// shown to the voter directly.
type ErrorType string

const (
	// Error in HTTP communication
	ErrorTransport = ErrorType("transportError")
	// Authority returned an invalid or unexpected response
	ErrorServerResponse = ErrorType("serverResponseError")
	// Authority rejected the request with a structured error body
	ErrorApi = ErrorType("apiError")
	// (De)serializing of a message failed
	ErrorSerialization = ErrorType("serializationError")
)

// AuthorityCode is a machine-readable error code returned by a voting
// authority in the "error" field of an error response. The set is versioned
// with the protocol; authorities predating it are handled by substring
// classification of the free-text message (see ClassifyRemoteError).
type AuthorityCode string

const (
	CodeSessionConflict   = AuthorityCode("SESSION_CONFLICT")
	CodeSessionUnknown    = AuthorityCode("SESSION_UNKNOWN")
	CodeInvalidRecord     = AuthorityCode("INVALID_RECORD")
	CodeAlreadyVoted      = AuthorityCode("ALREADY_VOTED")
	CodeBlocked           = AuthorityCode("BLOCKED")
	CodeRateLimited       = AuthorityCode("RATE_LIMITED")
	CodeCodeInvalid       = AuthorityCode("CODE_INVALID")
	CodeCodeExpired       = AuthorityCode("CODE_EXPIRED")
	CodeAttemptsExhausted = AuthorityCode("CODE_ATTEMPTS_EXHAUSTED")
	CodeSelectionInvalid  = AuthorityCode("SELECTION_INVALID")
	CodeElectionClosed    = AuthorityCode("ELECTION_CLOSED")
)

// BlockCategory is the closed set of terminal failure categories of a voting
// session. Every authority-call failure is classified into exactly one
// category at the call site.
type BlockCategory string

const (
	// Same identity already has an active session elsewhere
	BlockSessionConflict = BlockCategory("SESSION_CONFLICT")
	// The voter's stored identity record fails a validity check;
	// correctable via the profile-correction path
	BlockInvalidRecord = BlockCategory("INVALID_RECORD")
	// The identity has already produced a receipt
	BlockAlreadyVoted = BlockCategory("ALREADY_VOTED")
	// Authority denies for an unspecified policy reason
	BlockAdministrative = BlockCategory("ADMINISTRATIVELY_BLOCKED")
	// The second-factor window expired before a successful cast
	BlockTimeout = BlockCategory("TIMEOUT")
	// Transport error on the eligibility check, code issuance or ballot fetch
	BlockNetworkFailure = BlockCategory("NETWORK_FAILURE")
	// Cast rejected for a non-code reason, or transport failure during the
	// cast itself, in which case the outcome is unknown
	BlockFatalCast = BlockCategory("FATAL_CAST_FAILURE")
)

// Recoverable reports whether the voter has a path out of this category
// other than terminating the session. Only a correctable identity record
// qualifies; everything else requires a fresh session at best.
func (c BlockCategory) Recoverable() bool {
	return c == BlockInvalidRecord
}

// A Block is the terminal failure payload of a voting session, carried into
// the BLOCKED state and displayed to the voter as-is.
type Block struct {
	Category BlockCategory `json:"category"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
}

var blockTexts = map[BlockCategory][2]string{
	BlockSessionConflict: {
		"Session conflict",
		"Another voting session is already active for your identity. Log out everywhere and start over.",
	},
	BlockInvalidRecord: {
		"Registration problem",
		"Your membership record could not be validated. Correct your profile data and try again.",
	},
	BlockAlreadyVoted: {
		"Vote already cast",
		"A vote has already been registered for your identity. Each member may vote exactly once.",
	},
	BlockAdministrative: {
		"Not eligible",
		"The voting authority has denied your participation in this election.",
	},
	BlockTimeout: {
		"Code expired",
		"Your verification code expired before the vote was completed. Start over to receive a new code.",
	},
	BlockNetworkFailure: {
		"Connection failed",
		"The voting authority could not be reached. Start over once your connection is restored.",
	},
	BlockFatalCast: {
		"Vote status unknown",
		"Your vote was submitted but no confirmation was received. It may or may not have been " +
			"registered; do not assume either. Contact the election committee before trying again.",
	},
}

// NewBlock returns the Block for the given category with its standard
// voter-facing title and message.
func NewBlock(category BlockCategory) *Block {
	texts := blockTexts[category]
	return &Block{Category: category, Title: texts[0], Message: texts[1]}
}

// RemoteError is the error body returned by a voting authority. Code
// rejections additionally carry the authority's attempt counter; the client
// mirrors it but never decrements it on its own.
type RemoteError struct {
	Status            int    `json:"status"`
	ErrorName         string `json:"error"`
	Description       string `json:"description,omitempty"`
	Message           string `json:"message,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

func (e *RemoteError) Error() string {
	var buffer strings.Builder
	buffer.WriteString(fmt.Sprintf("%d %s", e.Status, e.ErrorName))
	if e.Message != "" {
		buffer.WriteString(": " + e.Message)
	}
	return buffer.String()
}

// Code returns the machine-readable authority code, if any.
func (e *RemoteError) Code() AuthorityCode {
	return AuthorityCode(e.ErrorName)
}

// SessionError is a protocol error during an authority call.
type SessionError struct {
	Err error
	ErrorType
	RemoteStatus int
	RemoteError  *RemoteError
	Info         string
}

func (e *SessionError) Error() string {
	var buffer strings.Builder
	buffer.WriteString(string(e.ErrorType))
	if e.RemoteStatus != 0 {
		buffer.WriteString(fmt.Sprintf(" (status %d)", e.RemoteStatus))
	}
	if e.RemoteError != nil {
		buffer.WriteString(": " + e.RemoteError.Error())
	}
	if e.Err != nil {
		buffer.WriteString(": " + e.Err.Error())
	}
	if e.Info != "" {
		buffer.WriteString(" (" + e.Info + ")")
	}
	return buffer.String()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// WrappedError returns the string of the underlying error, if any.
func (e *SessionError) WrappedError() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Stack returns the stack trace of the underlying error, if it carries one.
func (e *SessionError) Stack() string {
	withStack, ok := e.Err.(*errors.Error)
	if !ok {
		return ""
	}
	return string(withStack.Stack())
}

// Substrings recognized in free-text error messages of authorities that
// predate the AuthorityCode enum.
var legacyPatterns = map[string]BlockCategory{
	"duplicate-session": BlockSessionConflict,
	"invalid-id":        BlockInvalidRecord,
	"already-voted":     BlockAlreadyVoted,
}

// ClassifyRemoteError maps an authority error body onto a BlockCategory.
// The machine-readable code takes precedence; when absent or unknown, the
// free-text message is matched against the legacy substrings. Anything
// unrecognized is an administrative denial.
func ClassifyRemoteError(rerr *RemoteError, fallback BlockCategory) BlockCategory {
	if rerr == nil {
		return fallback
	}
	switch rerr.Code() {
	case CodeSessionConflict, CodeSessionUnknown:
		return BlockSessionConflict
	case CodeInvalidRecord:
		return BlockInvalidRecord
	case CodeAlreadyVoted:
		return BlockAlreadyVoted
	case CodeBlocked, CodeRateLimited, CodeSelectionInvalid, CodeElectionClosed:
		return fallback
	}
	for pattern, category := range legacyPatterns {
		if strings.Contains(rerr.Message, pattern) {
			return category
		}
	}
	return fallback
}

// ClassifySessionError maps a failed authority call onto a BlockCategory:
// transport and malformed-response failures become transportCategory, and
// structured rejections are classified by their error body with
// rejectionCategory as the fallback.
func ClassifySessionError(err *SessionError, transportCategory, rejectionCategory BlockCategory) BlockCategory {
	if err.ErrorType == ErrorApi && err.RemoteError != nil {
		return ClassifyRemoteError(err.RemoteError, rejectionCategory)
	}
	return transportCategory
}
