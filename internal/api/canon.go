package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/multitenancy"
)

func (s *Server) handleCanonDerive(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := decodeJSON(w, r, maxIngestBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProjectID == "" {
		writeError(w, r, &core.Error{
			Kind:    core.KindValidation,
			Message: "project_id is required",
			Fields:  map[string]string{"project_id": "required"},
		})
		return
	}

	canon, err := s.Ingest.DeriveCanon(r.Context(), orgID, req.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canon)
}

func (s *Server) handleCanonGet(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	projectID := mux.Vars(r)["project_id"]

	canon, derived := s.Ingest.Canon(r.Context(), orgID, projectID)
	if !derived {
		writeError(w, r, core.Errorf(core.KindNotFound, "no canon for project %s", projectID))
		return
	}
	writeJSON(w, http.StatusOK, canon)
}

func (s *Server) handleCanonPut(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	projectID := mux.Vars(r)["project_id"]

	var canon core.BrandCanon
	if err := decodeJSON(w, r, maxIngestBody, &canon); err != nil {
		writeError(w, r, err)
		return
	}
	if len(canon.PaletteHex) == 0 {
		writeError(w, r, &core.Error{
			Kind:    core.KindValidation,
			Message: "canon requires at least one palette color",
			Fields:  map[string]string{"palette_hex": "required"},
		})
		return
	}

	if err := s.Ingest.SetCanon(r.Context(), orgID, projectID, &canon); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &canon)
}

func (s *Server) handleCritique(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		ProjectID string   `json:"project_id"`
		AssetIDs  []string `json:"asset_ids"`
	}
	if err := decodeJSON(w, r, maxIngestBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProjectID == "" || len(req.AssetIDs) == 0 {
		writeError(w, r, &core.Error{
			Kind:    core.KindValidation,
			Message: "project_id and asset_ids are required",
			Fields:  map[string]string{"project_id": "required", "asset_ids": "required"},
		})
		return
	}

	critique, err := s.Render.Critique(r.Context(), orgID, req.ProjectID, req.AssetIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, critique)
}
