package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"evidenced/services/evidence"
)

func (a *API) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req evidence.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateCaptureRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.svc.Capture(r.Context(), req)
	if err != nil && !(errors.Is(err, evidence.ErrLinkIssuance) && res != nil) {
		a.config.Logger.Warn().Err(err).Str("url", req.URL).Msg("capture request failed")
		respondError(w, statusFor(err), err)
		return
	}
	if res == nil {
		respondError(w, http.StatusInternalServerError, errors.New("capture returned no result"))
		return
	}
	w.Header().Set("Location", "/v1/evidence/"+res.EvidenceID)
	respondJSON(w, http.StatusCreated, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	skip, take, err := parsePaging(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	page, err := a.svc.ListPage(r.Context(), skip, take)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, ok := a.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	detail, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if detail.Package.DownloadURL == "" {
		respondError(w, http.StatusBadGateway, errors.New(detail.LinkError))
		return
	}
	http.Redirect(w, r, detail.Package.DownloadURL, http.StatusFound)
}

// lookup resolves the {evidenceID} path parameter and writes the error
// response itself when it returns false. A detail whose link could not be
// issued is still returned, with LinkError set.
func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*evidence.Detail, bool) {
	id := chi.URLParam(r, "evidenceID")
	if !validEvidenceID(id) {
		respondError(w, http.StatusBadRequest, errors.New("malformed evidence id"))
		return nil, false
	}
	detail, err := a.svc.GetOne(r.Context(), id)
	if err != nil && !(errors.Is(err, evidence.ErrLinkIssuance) && detail != nil) {
		respondError(w, statusFor(err), err)
		return nil, false
	}
	if detail == nil {
		respondError(w, http.StatusNotFound, errors.New("evidence not found"))
		return nil, false
	}
	return detail, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, evidence.ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, evidence.ErrRenderNavigation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, evidence.ErrStorage), errors.Is(err, evidence.ErrLinkIssuance):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
