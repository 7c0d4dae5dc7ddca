// Package net holds small HTTP helpers shared by the daemon's
// handlers.
package net

import (
	"fmt"
	"log"
	"net/http"

	"github.com/unitsproto/units/bc"
)

// Errorf replies to an HTTP request with the specified error, also logging it to stderr.
func Errorf(w http.ResponseWriter, code int, msgfmt string, args ...interface{}) {
	http.Error(w, fmt.Sprintf(msgfmt, args...), code)
	log.Printf(msgfmt, args...)
}

// Status maps a pipeline reason code onto an HTTP status.
func Status(code bc.Code) int {
	switch code {
	case bc.CodeOk:
		return http.StatusOK
	case bc.CodeBadRequest, bc.CodeValidationFailure:
		return http.StatusBadRequest
	case bc.CodeNotFound:
		return http.StatusNotFound
	case bc.CodeConflict:
		return http.StatusConflict
	case bc.CodeControllerFailure, bc.CodeResourceExhausted:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
