package remote

import (
	"errors"
	"net/http"

	"github.com/roach88/localsync/internal/model"
)

// Sync endpoint paths served by the dev server.
const (
	PathMutations = "/v1/mutations"
	PathChanges   = "/v1/changes"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody mirrors model.Error on the wire.
type ErrorBody struct {
	Code     model.ErrorCode `json:"code"`
	Message  string          `json:"message"`
	RecordID string          `json:"record_id,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	Remote   *model.Change   `json:"remote,omitempty"`
}

// Err converts the body back into a model error.
func (b ErrorBody) Err() *model.Error {
	return &model.Error{
		Code:     b.Code,
		Message:  b.Message,
		RecordID: b.RecordID,
		Seq:      b.Seq,
		Remote:   b.Remote,
	}
}

// NewErrorResponse renders err for the wire. Errors outside the taxonomy
// become transient 500s.
func NewErrorResponse(err error) (int, ErrorResponse) {
	var e *model.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
			Code:    model.ErrCodeTransient,
			Message: err.Error(),
		}}
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return StatusFor(e.Code), ErrorResponse{Error: ErrorBody{
		Code:     e.Code,
		Message:  msg,
		RecordID: e.RecordID,
		Seq:      e.Seq,
		Remote:   e.Remote,
	}}
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeAuthorization:
		return http.StatusUnauthorized
	case model.ErrCodeConflict:
		return http.StatusConflict
	case model.ErrCodePermanent:
		return http.StatusUnprocessableEntity
	case model.ErrCodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// codeForStatus is the fallback when a response carries no error body.
func codeForStatus(status int) model.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ErrCodeAuthorization
	case status == http.StatusConflict:
		return model.ErrCodeConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return model.ErrCodeTransient
	case status == http.StatusNotFound:
		return model.ErrCodeNotFound
	}
	return model.ErrCodePermanent
}
