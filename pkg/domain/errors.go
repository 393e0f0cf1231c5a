package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindAlreadyUsed Kind = "already_used"
	KindDecoding    Kind = "decoding"
	KindStorage     Kind = "storage"
	KindAuth        Kind = "auth"
	KindConflict    Kind = "conflict"
	KindRateLimit   Kind = "rate_limit"
)

var (
	ErrMessageRequired   = NewErr("MESSAGE_REQUIRED", "Message is required", KindValidation, http.StatusBadRequest)
	ErrEncryptedRequired = NewErr("ENCRYPTED_REQUIRED", "Encrypted message is required", KindValidation, http.StatusBadRequest)
	ErrHashRequired      = NewErr("HASH_REQUIRED", "Hash is required", KindValidation, http.StatusBadRequest)
	ErrShiftRequired     = NewErr("SHIFT_REQUIRED", "Shift must be an integer", KindValidation, http.StatusBadRequest)
	ErrUnknownMethod     = NewErr("UNKNOWN_METHOD", "Unknown method", KindValidation, http.StatusBadRequest)
	ErrMessageTooLarge   = NewErr("MESSAGE_TOO_LARGE", "Message too large", KindValidation, http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "Invalid request", KindValidation, http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", KindValidation, http.StatusUnsupportedMediaType)

	ErrTokenNotFound = NewErr("HASH_NOT_FOUND", "Hash not found", KindNotFound, http.StatusNotFound)
	ErrTokenUsed     = NewErr("HASH_ALREADY_USED", "Hash already used", KindAlreadyUsed, http.StatusBadRequest)
	ErrDecoding      = NewErr("INVALID_BASE64", "Invalid Base64 string", KindDecoding, http.StatusBadRequest)
	ErrDuplicateHash = NewErr("DUPLICATE_HASH", "duplicate hash", KindStorage, http.StatusInternalServerError)
	ErrStorage       = NewErr("STORAGE_ERROR", "storage failure", KindStorage, http.StatusInternalServerError)

	ErrCredentialsRequired = NewErr("CREDENTIALS_REQUIRED", "Username and password are required", KindValidation, http.StatusBadRequest)
	ErrInvalidUsername     = NewErr("INVALID_USERNAME", "Username must be between 3 and 64 characters", KindValidation, http.StatusBadRequest)
	ErrWeakPassword        = NewErr("INVALID_PASSWORD", "Password must be between 8 and 1024 characters", KindValidation, http.StatusBadRequest)
	ErrUserExists          = NewErr("USER_EXISTS", "User already exists", KindConflict, http.StatusConflict)
	ErrUserNotFound        = NewErr("USER_NOT_FOUND", "user not found", KindNotFound, http.StatusNotFound)
	ErrInvalidCredentials  = NewErr("INVALID_CREDENTIALS", "Invalid credentials", KindAuth, http.StatusUnauthorized)
	ErrAuthMissing         = NewErr("AUTH_MISSING", "Authorization header missing", KindAuth, http.StatusUnauthorized)
	ErrAuthInvalid         = NewErr("AUTH_INVALID", "Invalid or expired token", KindAuth, http.StatusUnauthorized)

	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "Rate limit exceeded", KindRateLimit, http.StatusTooManyRequests)
	ErrUnavailable       = NewErr("UNAVAILABLE", "Service unavailable", KindStorage, http.StatusServiceUnavailable)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "Internal server error", KindStorage, http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Kind   Kind   `json:"-"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, kind Kind, status int) *Err {
	return &Err{Code: code, Msg: msg, Kind: kind, Status: status}
}

type ErrResp struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

// ToResp renders err for a client. Anything that is not a known *Err, or that
// maps to a 5xx, collapses to the generic internal message.
func ToResp(err error, requestID string) ErrResp {
	e, ok := asErr(err)
	if !ok || e.Status >= http.StatusInternalServerError {
		return ErrResp{Message: ErrInternalServer.Msg, RequestID: requestID}
	}
	return ErrResp{Message: e.Msg, RequestID: requestID}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
func KindOf(err error) Kind {
	if e, ok := asErr(err); ok {
		return e.Kind
	}
	return KindStorage
}
