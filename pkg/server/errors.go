// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/store"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeBadRequest     = "bad_request"
	CodeValidation     = "validation_error"
	CodeResumeRejected = "resume_rejected"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error  string                `json:"error"`
	Code   string                `json:"code"`
	Fields []workflow.FieldError `json:"fields,omitempty"`
}

// statusOf maps engine errors to HTTP statuses.
func statusOf(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}

	var verr *engine.ValidationError
	var rerr *engine.ResumeValidationError
	switch {
	case errors.As(err, &rerr):
		if rerr.Validation != nil {
			body.Fields = rerr.Validation.Fields
		}
		if errors.Is(rerr.Err, store.ErrRunNotFound) {
			body.Code = CodeNotFound
			return http.StatusNotFound, body
		}
		body.Code = CodeResumeRejected
		return http.StatusConflict, body
	case errors.As(err, &verr):
		body.Code = CodeValidation
		body.Fields = verr.Fields
		return http.StatusBadRequest, body
	case errors.Is(err, engine.ErrWorkflowNotFound),
		errors.Is(err, engine.ErrNetworkNotFound),
		errors.Is(err, store.ErrRunNotFound):
		body.Code = CodeNotFound
		return http.StatusNotFound, body
	case errors.Is(err, engine.ErrRunActive):
		body.Code = CodeConflict
		return http.StatusConflict, body
	case errors.Is(err, engine.ErrEngineClosed):
		body.Code = CodeUnavailable
		return http.StatusServiceUnavailable, body
	default:
		body.Code = CodeInternal
		return http.StatusInternalServerError, body
	}
}

// ErrorOf renders err as the body an HTTP response would carry.
func ErrorOf(err error) ErrorBody {
	_, body := statusOf(err)
	return body
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Code: CodeBadRequest})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
