package rpcframe

import "net/http"

// ApiError is the tagged sum type every handler error is converted to at
// the dispatcher boundary (spec §4.2, §9 REDESIGN FLAGS): wire encoding is
// exactly {exception, exc_args, exc_data, traceback}.
type ApiError struct {
	Exception string `json:"exception"`
	ExcArgs   []any  `json:"exc_args,omitempty"`
	ExcData   any    `json:"exc_data,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ApiError) Error() string {
	return e.Exception
}

// NewApiError builds an ApiError tagged with kind (e.g. "not-found",
// "permission-denied", "need-passphrase", "need-info", "invalid-argument").
func NewApiError(kind, message string, data any) *ApiError {
	args := []any{message}
	return &ApiError{Exception: kind, ExcArgs: args, ExcData: data}
}

// NeedInfo builds the need-info ApiError carrying a list of prompts the
// client must fill in and retry with (spec §4.2). need-info is never a
// failure; it is a request for more input.
func NeedInfo(prompts []InfoPrompt) *ApiError {
	return &ApiError{Exception: "need-info", ExcData: prompts}
}

// InfoPrompt describes one field the client must supply to retry a
// need-info request.
type InfoPrompt struct {
	Label    string `json:"label"`
	Field    string `json:"field"`
	Datatype string `json:"datatype"`
}

// NeedPassphrase builds the permission-denied/need-passphrase error
// returned by any state-requiring RPC while the config store is locked.
func NeedPassphrase() *ApiError {
	return &ApiError{Exception: "need-passphrase", ExcArgs: []any{"store is locked"}}
}

// httpStatus maps an ApiError's kind to the HTTP status the dispatcher
// should answer with.
func (e *ApiError) httpStatus() int {
	switch e.Exception {
	case "not-found":
		return http.StatusNotFound
	case "permission-denied", "need-passphrase":
		return http.StatusForbidden
	case "invalid-argument":
		return http.StatusBadRequest
	case "need-info":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// asApiError converts any error returned by a Handler into the wire
// envelope, wrapping unrecognized errors as "unhandled-exception".
func asApiError(err error) *ApiError {
	if apiErr, ok := err.(*ApiError); ok {
		return apiErr
	}
	return &ApiError{Exception: "unhandled-exception", ExcArgs: []any{err.Error()}}
}
