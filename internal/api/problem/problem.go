package problem

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/ayo6706/escrow-settlement/internal/service"
)

const contentType = "application/problem+json"
const baseTypeURL = "https://errors.escrow-settlement.dev/"

// Details represents RFC 7807 Problem Details.
type Details struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Status    int          `json:"status"`
	Detail    string       `json:"detail"`
	Instance  string       `json:"instance"`
	RequestID string       `json:"request_id"`
	Kind      service.Kind `json:"kind,omitempty"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends RFC 7807-compliant errors.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	write(w, r, Details{Type: problemType, Title: title, Status: status, Detail: detail})
}

// StatusForKind maps a settlement failure class onto an HTTP status.
func StatusForKind(kind service.Kind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidState:
		return http.StatusConflict
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindTransferFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// FromError writes a problem document for a classified service error.
// Infrastructure failures never leak their cause.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	status := StatusForKind(kind)
	detail := err.Error()
	if kind == service.KindInfraFailure {
		detail = "temporary infrastructure failure, retry later"
		if errors.Is(err, repository.ErrLockTimeout) {
			detail = "resource is locked by another operation, retry later"
		}
	}
	write(w, r, Details{
		Type:   Type("settlement/" + string(kind)),
		Status: status,
		Detail: detail,
		Kind:   kind,
	})
}

func write(w http.ResponseWriter, r *http.Request, d Details) {
	if d.Title == "" {
		d.Title = http.StatusText(d.Status)
	}
	if d.Type == "" {
		d.Type = "about:blank"
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get("X-Trace-ID")
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
