package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/sessiond/internal/faults"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeFault maps the error taxonomy onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := err.Error()
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindPermanent:
		status = http.StatusBadRequest
	case faults.KindTransient:
		status = http.StatusServiceUnavailable
	case faults.KindProtocol:
		status = http.StatusBadGateway
		// Protocol violations carry the offending program output; hand the
		// caller a bounded tail of it instead of swallowing it.
		if raw := faults.RawOutput(err); raw != "" {
			detail += ": " + tail(raw)
		}
	case faults.KindUserTimeout:
		status = http.StatusRequestTimeout
	}
	writeError(w, status, detail)
}
