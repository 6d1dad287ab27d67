package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/regsync/internal/registry"
)

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func (s *Server) handleListRegistries(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	registries, err := s.store.ListRegistries(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if registries == nil {
		registries = []registry.RemoteRegistry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"registries": registries})
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	reg, err := s.store.GetRegistry(r.Context(), pathParam(r, "name"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

type registryRequest struct {
	Endpoint       string `json:"endpoint"`
	Description    string `json:"description"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MetadataPrefix string `json:"metadataPrefix"`
	ReadEnabled    *bool  `json:"readEnabled"`
	Harvested      *bool  `json:"harvested"`
}

func (s *Server) handleUpsertRegistry(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req registryRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	reg := registry.RemoteRegistry{
		Name:           pathParam(r, "name"),
		Endpoint:       req.Endpoint,
		Description:    req.Description,
		Username:       req.Username,
		Password:       req.Password,
		MetadataPrefix: req.MetadataPrefix,
		ReadEnabled:    req.ReadEnabled == nil || *req.ReadEnabled,
		Harvested:      req.Harvested == nil || *req.Harvested,
	}
	stored, err := s.store.UpsertRegistry(r.Context(), reg)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleHarvestNow(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.Harvests == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "harvesting is not enabled", correlationID)
		return
	}
	result, err := s.cfg.Harvests.HarvestOne(r.Context(), pathParam(r, "name"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req registry.ChangeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	op, err := s.store.RecordChange(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	entry, err := s.store.Entry(r.Context(), pathParam(r, "ref"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePurgeOperations(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	raw := strings.TrimSpace(r.URL.Query().Get("before"))
	before, _, err := registry.ParseDate(raw)
	if raw == "" || err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "before must be a date", correlationID)
		return
	}
	purged, err := s.store.PurgeOperations(r.Context(), before)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged, "before": registry.FormatDate(before)})
}

func (s *Server) handleIntegritySummary(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	summary, err := s.store.IntegritySummary(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAddObject(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Identifier string `json:"identifier"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	rec, err := s.store.AddObject(r.Context(), req.Identifier)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	rec, err := s.store.GetObject(r.Context(), pathParam(r, "identifier"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordVerification(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Status     string `json:"status"`
		VerifiedAt string `json:"verifiedAt"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	status, err := registry.ParseVerificationStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "status must be OK, CORRUPTED or UNVERIFIED", correlationID)
		return
	}
	var at time.Time
	if req.VerifiedAt != "" {
		if at, _, err = registry.ParseDate(req.VerifiedAt); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid verifiedAt", correlationID)
			return
		}
	}
	rec, err := s.store.RecordVerification(r.Context(), pathParam(r, "identifier"), status, at)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	deleted, err := s.store.DeleteAllObjects(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleStartIteration(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		ObjectIdentifier string `json:"objectIdentifier"`
	}
	if r.ContentLength != 0 && !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	it, err := s.store.RecordStart(r.Context(), pathParam(r, "plugin"), req.ObjectIdentifier)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleFinishIteration(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid iteration id", correlationID)
		return
	}
	it, err := s.store.RecordFinish(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handlePluginSummary(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	summary, err := s.store.PluginSummary(r.Context(), pathParam(r, "plugin"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteIterations(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	deleted, err := s.store.DeleteAllIterations(r.Context(), pathParam(r, "plugin"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleFormatsAtRisk(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	formats, err := s.store.FormatsAtRisk(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if formats == nil {
		formats = []registry.FileFormat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"formats": formats})
}

func (s *Server) handleSetFormatRisk(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		AtRisk *bool `json:"atRisk"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.AtRisk == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "atRisk is required", correlationID)
		return
	}
	format, err := s.store.SetFormatRisk(r.Context(), pathParam(r, "puid"), *req.AtRisk)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, format)
}

func (s *Server) handleCertificateWarning(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		Username  string `json:"username"`
		Address   string `json:"address"`
		ExpiresAt string `json:"expiresAt"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	expiresAt, _, err := registry.ParseDate(req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid expiresAt", correlationID)
		return
	}
	event, err := s.store.Notifier().RaiseCertificateExpiration(r.Context(), req.Username, req.Address, expiresAt)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "username and address are required", correlationID)
			return
		}
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}
