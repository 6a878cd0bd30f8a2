// Package authoritytest provides an in-process activation authority for
// tests. It speaks the same wire protocol as a production authority: POST
// /api/v1/activate and /api/v1/verify with a license key plus hardware
// fingerprint, answering with a signed license or a rejection reason.
package authoritytest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"entcore/internal/signature"
	"entcore/pkg/contracts/domain"
)

// Authority is a stub activation authority backed by an in-memory key table.
type Authority struct {
	mu          sync.Mutex
	signer      *signature.Signer
	licenses    map[string]*domain.License
	unreachable bool
	delay       time.Duration

	server *httptest.Server
}

// New starts an authority signing with the given key pair. Close it when
// done.
func New(signer *signature.Signer) *Authority {
	a := &Authority{
		signer:   signer,
		licenses: make(map[string]*domain.License),
	}

	r := chi.NewRouter()
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Post("/api/v1/activate", a.handleActivate)
	r.Post("/api/v1/verify", a.handleActivate)

	a.server = httptest.NewServer(r)
	return a
}

// URL returns the authority's base URL.
func (a *Authority) URL() string {
	return a.server.URL
}

// Close shuts the server down.
func (a *Authority) Close() {
	a.server.Close()
}

// Grant registers a license the authority will issue for its key. The
// authority signs on issue, binding the requester's fingerprint when the
// license is hardware-bound.
func (a *Authority) Grant(lic *domain.License) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.licenses[lic.Key] = lic.Clone()
}

// Revoke removes a granted key so subsequent attempts are rejected.
func (a *Authority) Revoke(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.licenses, key)
}

// SetUnreachable makes every endpoint answer 503, simulating an outage.
func (a *Authority) SetUnreachable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unreachable = down
}

// SetDelay injects a pause before each response, for deadline tests.
func (a *Authority) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *Authority) handleActivate(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	unreachable := a.unreachable
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if unreachable {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req domain.ActivationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, domain.ActivationResponse{Reason: "malformed_request"})
		return
	}

	a.mu.Lock()
	lic, ok := a.licenses[req.LicenseKey]
	a.mu.Unlock()
	if !ok {
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, domain.ActivationResponse{Reason: "unknown_license_key"})
		return
	}

	issued := lic.Clone()
	if issued.HardwareBound {
		if issued.Fingerprint != "" && issued.Fingerprint != req.Fingerprint {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, domain.ActivationResponse{Reason: "hardware_mismatch"})
			return
		}
		issued.Fingerprint = req.Fingerprint
	}
	issued.Status = domain.LicenseStatusActive

	sig, err := a.signer.Sign(issued)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, domain.ActivationResponse{Reason: "signing_failed"})
		return
	}
	issued.Signature = sig

	render.JSON(w, r, domain.ActivationResponse{
		License:      issued,
		ActivationID: uuid.NewString(),
	})
}
