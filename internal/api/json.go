package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"mss/internal/apperr"
)

// Problem represents an RFC7807 problem details response body. Code carries
// the error kind.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

var kindTitles = map[apperr.Kind]string{
	apperr.InvalidInput:       "Invalid input",
	apperr.UnknownMessageType: "Unknown message type",
	apperr.NotFound:           "Not found",
	apperr.BrokerUnavailable:  "Broker unavailable",
	apperr.QueueDeclareFailed: "Queue declare failed",
	apperr.BindingFailed:      "Binding failed",
	apperr.PublishFailed:      "Publish failed",
	apperr.Internal:           "Internal error",
}

// writeError maps err onto a problem response by its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= 500 {
		s.log.Error("Request failed", zap.String("path", r.URL.Path), zap.String("kind", string(kind)), zap.Error(err))
	}
	detail := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		detail = ae.Message
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    kindTitles[kind],
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     string(kind),
	})
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
