package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in every error body.
const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// msgForbidden is deliberately the same whether or not the thread exists.
const msgForbidden = "thread not found or access denied"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, errorMessage string) {
	writeJSON(w, status, ErrorResponse{
		Status:  status,
		Message: "An error occurred",
		Error:   errorMessage,
		Code:    code,
	})
}

func badRequest(w http.ResponseWriter, errorMessage string) {
	writeError(w, http.StatusBadRequest, CodeValidation, errorMessage)
}

func unauthorized(w http.ResponseWriter, errorMessage string) {
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, errorMessage)
}

func forbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, CodeForbidden, msgForbidden)
}

func conflict(w http.ResponseWriter, errorMessage string) {
	writeError(w, http.StatusConflict, CodeConflict, errorMessage)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}
