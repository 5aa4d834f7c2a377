package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"zswflasher/internal/artifacts"
	"zswflasher/internal/dfu"
	"zswflasher/internal/firmware"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/session"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

// maxUpload bounds multipart firmware and filesystem uploads.
const maxUpload = 64 << 20

// ========== Service handlers ==========

// HandleHealth health check
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"session": s.session.ID(),
		"time":    time.Now(),
	})
}

// HandleRoot root handler
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "ZSWatch Flasher",
		"transport": s.session.Transport(),
		"firmware":  s.config.Artifacts.Owner + "/" + s.config.Artifacts.Repo,
		"health":    "/api/v1/health",
		"events":    "/api/v1/events",
	})
}

// ========== Connection handlers ==========

// HandleListPorts lists serial ports
func (s *Server) HandleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := transport.ListPorts()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

// HandleSetTransport selects BLE or serial
func (s *Server) HandleSetTransport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := transport.ParseKind(req.Kind)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.SetTransport(kind); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"transport": kind})
}

// HandleSetChunkTimeout overrides the request timeout
func (s *Server) HandleSetChunkTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Milliseconds int `json:"ms"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.session.SetChunkTimeout(time.Duration(req.Milliseconds) * time.Millisecond); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.session.Connection())
}

// HandleGetConnection returns the current link
func (s *Server) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"transport":  s.session.Transport(),
		"connection": s.session.Connection(),
		"mode":       s.session.Mode().String(),
	})
}

// HandleConnect connects to a device
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transport string `json:"transport"`
		Target    string `json:"target"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Transport != "" {
		kind, err := transport.ParseKind(req.Transport)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.session.SetTransport(kind); err != nil {
			s.respondFailure(w, err)
			return
		}
	}
	if err := s.session.Connect(r.Context(), req.Target); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connection": s.session.Connection(),
		"mode":       s.session.Mode().String(),
		"images":     s.session.Images(),
	})
}

// HandleDisconnect closes the link
func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Image handlers ==========

// HandleGetImages returns the slot list; refresh=true queries the device
func (s *Server) HandleGetImages(w http.ResponseWriter, r *http.Request) {
	images := s.session.Images()
	if r.URL.Query().Get("refresh") == "true" {
		var err error
		if images, err = s.session.ImageState(r.Context()); err != nil {
			s.respondFailure(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":   s.session.Mode().String(),
		"images": images,
	})
}

type hashRequest struct {
	Hash string `json:"hash"`
}

// HandleTestImage marks an image for a test boot
func (s *Server) HandleTestImage(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if !s.decode(w, r, &req) {
		return
	}
	images, err := s.session.Test(r.Context(), req.Hash)
	s.respondImages(w, images, err)
}

// HandleConfirmImage makes an image permanent
func (s *Server) HandleConfirmImage(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if !s.decode(w, r, &req) {
		return
	}
	images, err := s.session.Confirm(r.Context(), req.Hash)
	s.respondImages(w, images, err)
}

// HandleEraseImage erases a slot
func (s *Server) HandleEraseImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slot *int `json:"slot"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	images, err := s.session.Erase(r.Context(), req.Slot)
	s.respondImages(w, images, err)
}

func (s *Server) respondImages(w http.ResponseWriter, images []smp.ImageSlot, err error) {
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

// HandleReset reboots the device
func (s *Server) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Candidate handlers ==========

// HandleListCandidates lists staged images
func (s *Server) HandleListCandidates(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"candidates": s.session.Candidates()})
}

// HandleStageCandidate stages a multipart "file"; an optional "image" field
// sets the image number of a .bin with an unknown name
func (s *Server) HandleStageCandidate(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.readFile(w, r)
	if !ok {
		return
	}

	var list []firmware.Candidate
	var err error
	if v := r.FormValue("image"); v != "" {
		image, perr := strconv.Atoi(v)
		if perr != nil {
			s.respondError(w, http.StatusBadRequest, "invalid image number")
			return
		}
		list, err = s.session.StageImage(image, name, data)
	} else {
		list, err = s.session.StageFile(name, data)
	}
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"candidates": list})
}

// HandleClearCandidates unstages everything
func (s *Server) HandleClearCandidates(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearCandidates(); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveCandidate unstages one image number
func (s *Server) HandleRemoveCandidate(w http.ResponseWriter, r *http.Request) {
	image, err := strconv.Atoi(chi.URLParam(r, "image"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid image number")
		return
	}
	ok, err := s.session.RemoveCandidate(image)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "no candidate for image")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Upload handlers ==========

// HandleUploadStatus reports the run state
func (s *Server) HandleUploadStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"settling":              s.session.Settling(),
		"awaiting_confirmation": s.session.AwaitingConfirmation(),
		"candidates":            s.session.Candidates(),
	})
}

// HandleStartUpload starts uploading the staged images
func (s *Server) HandleStartUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StartUpload(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

// HandleContinue skips the net core settle delay
func (s *Server) HandleContinue(w http.ResponseWriter, r *http.Request) {
	if !s.session.Continue() {
		s.respondError(w, http.StatusConflict, "no settle delay running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConfirmation answers the confirmation prompt
func (s *Server) HandleConfirmation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.session.RespondConfirmation(req.Accept); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== OS, shell and filesystem handlers ==========

// HandleEcho round-trips a message
func (s *Server) HandleEcho(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	echo, err := s.session.Echo(r.Context(), req.Message)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"message": echo})
}

// HandleTaskStats returns task statistics
func (s *Server) HandleTaskStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.session.TaskStats(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// HandleMPStats returns memory pool statistics
func (s *Server) HandleMPStats(w http.ResponseWriter, r *http.Request) {
	pools, err := s.session.MPStats(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

// HandleShell runs a shell command
func (s *Server) HandleShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Argv []string `json:"argv"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Argv) == 0 {
		s.respondError(w, http.StatusBadRequest, "argv is required")
		return
	}
	res, err := s.session.ShellExec(r.Context(), req.Argv)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// HandleFileSystemUpload writes a multipart "file" as the filesystem image
func (s *Server) HandleFileSystemUpload(w http.ResponseWriter, r *http.Request) {
	_, data, ok := s.readFile(w, r)
	if !ok {
		return
	}
	if err := s.session.UploadFileSystem(r.Context(), data); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"size": len(data)})
}

// ========== Firmware handlers ==========

// HandleListFirmware lists CI builds
func (s *Server) HandleListFirmware(w http.ResponseWriter, r *http.Request) {
	if s.firmware == nil {
		s.respondError(w, http.StatusServiceUnavailable, "firmware listing not configured")
		return
	}
	fws, err := s.firmware.List(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	type artifactView struct {
		artifacts.Artifact
		URL string `json:"url"`
	}
	type firmwareView struct {
		artifacts.Firmware
		Artifacts []artifactView `json:"artifacts"`
	}
	out := make([]firmwareView, 0, len(fws))
	for _, fw := range fws {
		v := firmwareView{Firmware: fw, Artifacts: make([]artifactView, 0, len(fw.Artifacts))}
		for _, a := range fw.Artifacts {
			v.Artifacts = append(v.Artifacts, artifactView{Artifact: a, URL: s.firmware.DownloadURL(fw.RunID, a.ID)})
		}
		out = append(out, v)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"firmware": out})
}

// HandleStageFirmware downloads a CI artifact and stages its images
func (s *Server) HandleStageFirmware(w http.ResponseWriter, r *http.Request) {
	if s.firmware == nil {
		s.respondError(w, http.StatusServiceUnavailable, "firmware listing not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "artifact"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid artifact id")
		return
	}

	data, err := s.firmware.Download(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifacts.ErrTokenRequired) {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	update, err := artifacts.ExtractUpdate(data)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	list, err := s.session.StageFile(artifacts.UpdateArchive, update)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"candidates": list})
}

// ========== Helper functions ==========

// decode reads a JSON body; an empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// readFile reads the multipart "file" field.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return "", nil, false
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return "", nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return hdr.Filename, data, true
}

// statusFor maps an error from the session onto an HTTP status.
func statusFor(err error) int {
	switch {
	case firmware.IsValidationError(err),
		errors.Is(err, dfu.ErrNothingToUpload):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrTransportLocked),
		errors.Is(err, dfu.ErrBusy),
		errors.Is(err, dfu.ErrNoPendingConfirmation):
		return http.StatusConflict
	case errors.Is(err, dfu.ErrUnsupportedInMode),
		errors.Is(err, dfu.ErrNoSlotMapping):
		return http.StatusUnprocessableEntity
	case mcumgr.IsTimeout(err):
		return http.StatusGatewayTimeout
	case transport.IsConnectionError(err), smp.IsProtocolError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	s.respondError(w, status, err.Error())
}

// respondJSON responds with JSON
func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
