package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/multitenancy"
	"github.com/sgd/backend/internal/scanner"
	"github.com/sgd/backend/internal/storage"
)

const (
	maxIngestBody  = 1 << 20  // 1 MiB JSON
	maxUploadBytes = 32 << 20 // 32 MiB file
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req core.IngestRequest
	if err := decodeJSON(w, r, maxIngestBody, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.Ingest.Run(r.Context(), orgID, &req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// readUpload pulls the multipart file and project_id out of the request.
func readUpload(w http.ResponseWriter, r *http.Request) (projectID, filename string, data []byte, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", "", nil, err
		}
		return "", "", nil, core.NewError(core.KindValidation, "malformed multipart body", err)
	}

	projectID = r.FormValue("project_id")
	if projectID == "" {
		return "", "", nil, &core.Error{
			Kind:    core.KindValidation,
			Message: "project_id is required",
			Fields:  map[string]string{"project_id": "required"},
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, &core.Error{
			Kind:    core.KindValidation,
			Message: "file part is required",
			Fields:  map[string]string{"file": "required"},
		}
	}
	defer file.Close()

	data, err = io.ReadAll(file)
	if err != nil {
		return "", "", nil, core.NewError(core.KindInternal, "read upload", err)
	}
	return projectID, header.Filename, data, nil
}

// quarantineUpload scans the bytes and parks them in quarantine. Threats are
// stored under the threat prefix and surfaced as a security error carrying
// the quarantine reference.
func (s *Server) quarantineUpload(ctx context.Context, orgID, projectID, filename string, data []byte) (string, *scanner.Report, error) {
	report, err := s.Scanner.Scan(filename, data)
	if err != nil {
		if report != nil {
			threatKey := storage.ThreatKey(orgID, report.SHA256)
			if perr := s.Store.Put(ctx, threatKey, data, "application/octet-stream"); perr == nil {
				var te *core.Error
				if errors.As(err, &te) {
					te.Ref = threatKey
				}
			}
		}
		return "", report, err
	}

	stored := data
	if len(report.Cleaned) > 0 {
		stored = report.Cleaned
	}
	key := storage.Key(orgID, storage.ClassQuarantine, projectID,
		fmt.Sprintf("%s_%s", uuid.NewString(), filename))
	if err := s.Store.Put(ctx, key, stored, report.DetectedMIME); err != nil {
		return "", report, err
	}
	return key, report, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	projectID, filename, data, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key, report, err := s.quarantineUpload(r.Context(), orgID, projectID, filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quarantine_key": key,
		"asset": map[string]interface{}{
			"sha256":       report.SHA256,
			"mime":         report.DetectedMIME,
			"threat_level": report.Level,
		},
	})
}

// handleIngestFile uploads into quarantine and runs the ingest pipeline on
// the stored object in one call.
func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	projectID, filename, data, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key, _, err := s.quarantineUpload(r.Context(), orgID, projectID, filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.Ingest.Run(r.Context(), orgID, &core.IngestRequest{
		ProjectID: projectID,
		Assets:    []string{key},
	}, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
