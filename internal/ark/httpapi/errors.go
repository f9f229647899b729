package httpapi

import (
	"encoding/json"
	"net/http"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
)

// errorEnvelope is the §7 HTTP error shape:
// {error: {code, message, correlation_id, recoverable}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Recoverable   bool   `json:"recoverable"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the §7 error envelope, using the ServiceError's
// own HTTP status and recoverability when err carries one, or a generic
// 500 otherwise.
func writeError(w http.ResponseWriter, correlationID string, err error) {
	se := arkerrors.GetServiceError(err)
	if se == nil {
		se = arkerrors.Internal("unhandled error", err)
	}
	writeJSON(w, se.HTTPStatus, errorEnvelope{Error: errorBody{
		Code:          string(se.Code),
		Message:       se.Message,
		CorrelationID: correlationID,
		Recoverable:   se.Recoverable,
	}})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return arkerrors.InvalidPayload("empty request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return arkerrors.InvalidPayload(err.Error())
	}
	return nil
}
