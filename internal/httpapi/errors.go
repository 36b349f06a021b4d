package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tflow/attachstore/pkg/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// errorResponse maps err to a status, code and client-safe message.
// Client errors keep their own message; server errors get a generic one.
func errorResponse(err error) (int, string, string) {
	status := errors.HTTPStatus(err)

	var storeErr *errors.StoreError
	if !errors.As(err, &storeErr) {
		return status, string(errors.ErrCodeInternalError), "Internal storage error"
	}
	if status < 500 {
		return status, string(storeErr.Code), storeErr.Message
	}
	return status, string(storeErr.Code), storeErr.UserFacingMessage()
}

func writeError(w http.ResponseWriter, err error) {
	status, code, message := errorResponse(err)
	writeErrorCode(w, status, code, message)
}
