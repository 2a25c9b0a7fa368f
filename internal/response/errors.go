package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// Authentication
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"
	ErrForbidden     ErrCode = "FORBIDDEN"

	// Validation
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// Resources
	ErrNotFound ErrCode = "NOT_FOUND"

	// Session-specific
	ErrTestUnavailable      ErrCode = "TEST_UNAVAILABLE"
	ErrTestBlocked          ErrCode = "TEST_BLOCKED"
	ErrAlreadyCompleted     ErrCode = "ALREADY_COMPLETED"
	ErrSessionNotStarted    ErrCode = "SESSION_NOT_STARTED"
	ErrSessionNotAnswering  ErrCode = "SESSION_NOT_ANSWERING"
	ErrSessionLocked        ErrCode = "SESSION_LOCKED"
	ErrConfirmationRequired ErrCode = "CONFIRMATION_REQUIRED"
	ErrSubmitInProgress     ErrCode = "SUBMIT_IN_PROGRESS"
	ErrUnknownQuestion      ErrCode = "UNKNOWN_QUESTION"
	ErrUnknownChoice        ErrCode = "UNKNOWN_CHOICE"
	ErrIndexOutOfRange      ErrCode = "QUESTION_INDEX_OUT_OF_RANGE"
	ErrUpstreamUnavailable  ErrCode = "UPSTREAM_UNAVAILABLE"

	// Rate limiting
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// Server
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is not valid."
	case ErrTokenExpired:
		return "The authentication token has expired."
	case ErrForbidden:
		return "You do not have permission to access this resource."

	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "The request payload is not valid."

	case ErrNotFound:
		return "The requested resource was not found."

	case ErrTestUnavailable:
		return "This test is not available right now."
	case ErrTestBlocked:
		return "You are not allowed to take this test."
	case ErrAlreadyCompleted:
		return "This test has already been completed."
	case ErrSessionNotStarted:
		return "The test session has not been started."
	case ErrSessionNotAnswering:
		return "The test session is no longer accepting input."
	case ErrSessionLocked:
		return "Input is disabled while the session is locked."
	case ErrConfirmationRequired:
		return "Some questions are unanswered. Confirm to submit anyway."
	case ErrSubmitInProgress:
		return "A submission is already in progress."
	case ErrUnknownQuestion:
		return "The question does not belong to this test."
	case ErrUnknownChoice:
		return "The choice does not belong to this question."
	case ErrIndexOutOfRange:
		return "The question index is out of range."
	case ErrUpstreamUnavailable:
		return "The testing service is temporarily unavailable. Please try again."

	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
