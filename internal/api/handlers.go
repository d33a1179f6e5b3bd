package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		MockDevice: s.mockDevice,
		Online:     s.durability.IsOnline(),
	}
	if s.session != nil {
		resp.Configured = true
		resp.Connected = s.session.Connected()
		resp.State = string(s.session.State())
		resp.IP, resp.Port = s.session.Endpoint()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.session.ForceReconnect(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Configured: true, Connected: s.session.Connected(), State: string(s.session.State())})
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	var info types.DeviceInfo
	err := s.session.WithDriverLock(func(drv device.Driver) error {
		var innerErr error
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		info, innerErr = drv.GetInfo(ctx)
		return innerErr
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceInfoResponse{
		IP: info.IP, Port: info.Port, MAC: info.MAC, Name: info.Name,
		Serial: info.Serial, Model: info.Model, Firmware: info.Firmware,
	})
}

func (s *Server) handleDeviceScan(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is disabled")
		return
	}
	found := s.discovery.Scan(r.Context())
	resp := deviceScanResponse{Found: make([]deviceInfoResponse, 0, len(found))}
	for _, d := range found {
		resp.Found = append(resp.Found, deviceInfoResponse{
			IP: d.IP, Port: d.Port, MAC: d.MAC, Name: d.Name,
			Serial: d.Serial, Model: d.Model, Firmware: d.Firmware,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	var req deviceConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	s.session.SetEndpoint(req.IP, req.Port)
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.session.ForceReconnect(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Configured: true, Connected: s.session.Connected(), State: string(s.session.State())})
}

func (s *Server) handleAttendanceLogs(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	var entries []device.LogEntry
	err := s.session.WithDriverLock(func(drv device.Driver) error {
		var innerErr error
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		entries, innerErr = drv.PullLog(ctx)
		return innerErr
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]attendanceLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, attendanceLogEntry{BiometricID: e.BiometricID, Instant: e.Instant})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	s.setPollingSuspended(w, false)
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	s.setPollingSuspended(w, true)
}

func (s *Server) setPollingSuspended(w http.ResponseWriter, suspended bool) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	s.session.SetPollingSuspended(suspended)
	writeJSON(w, http.StatusOK, pollingControlResponse{PollingSuspended: suspended})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	var (
		ids       []types.BiometricId
		supported bool
	)
	_ = s.session.WithDriverLock(func(drv device.Driver) error {
		lister, ok := drv.(device.UserLister)
		if !ok {
			return nil
		}
		supported = true
		ids = lister.ListUsers()
		return nil
	})
	if !supported {
		writeError(w, http.StatusNotImplemented, "this device driver cannot enumerate users")
		return
	}
	out := make([]userResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, userResponse{BiometricID: id})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BiometricID == "" {
		writeError(w, http.StatusBadRequest, "biometricId is required")
		return
	}
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	err := s.session.WithDriverLock(func(drv device.Driver) error {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		return drv.SetUser(ctx, device.SetUserRequest{BiometricID: req.BiometricID, Name: req.Name})
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	biometricID := mux.Vars(r)["userId"]
	if biometricID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	err := s.session.WithDriverLock(func(drv device.Driver) error {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		return drv.DeleteUser(ctx, biometricID)
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Online:          s.durability.IsOnline(),
		BatchQueueDepth: s.durability.BatchQueueDepth(),
		SpillBatchCount: s.durability.SpillBatchCount(),
	})
}

func (s *Server) handleSyncForce(w http.ResponseWriter, r *http.Request) {
	if s.syncWorker == nil {
		writeError(w, http.StatusServiceUnavailable, "sync worker is disabled")
		return
	}
	s.syncWorker.ForceSyncNow(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) handleStatsCache(w http.ResponseWriter, r *http.Request) {
	st := s.userCache.Stats()
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Hits: st.Hits, Misses: st.Misses, HitRate: st.HitRate,
		Size: st.Size, Valid: st.Valid, Expired: st.Expired,
	})
}

func (s *Server) handleStatsQueue(w http.ResponseWriter, r *http.Request) {
	depth, peak, avg := s.pipeline.Stats()
	writeJSON(w, http.StatusOK, queueStatsResponse{
		PipelineDepth:   depth,
		PipelinePeak:    peak,
		PipelineAvgMs:   avg.Milliseconds(),
		BatchQueueDepth: s.durability.BatchQueueDepth(),
		SpillBatchCount: s.durability.SpillBatchCount(),
	})
}

func (s *Server) handleStatsBreaker(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no device session configured")
		return
	}
	breaker := s.session.Breaker()
	counts := breaker.Counts()
	writeJSON(w, http.StatusOK, breakerStatsResponse{
		State:               breaker.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
	})
}

// handleStaticPhoto serves a user's offloaded photo from the cache's
// photo directory, guarding against path traversal by rejecting any
// id containing a path separator.
func (s *Server) handleStaticPhoto(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" || strings.ContainsAny(id, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid photo id")
		return
	}
	path := filepath.Join(s.photoDir, id+".jpg")
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "photo not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWebSocket(w, r)
}
