package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meterbox/internal/api"
	"meterbox/internal/config"
	"meterbox/internal/jpegmeta"
	"meterbox/internal/logging"
	"meterbox/internal/services"
	"meterbox/internal/settings"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/capture", srv.handleCapture)
	mux.HandleFunc("/api/settings", srv.handleSettings)
	mux.HandleFunc("/api/regions", srv.handleRegions)
	mux.HandleFunc("/api/regions/", srv.handleRegionUpdate)
	mux.HandleFunc("/api/artifacts", srv.handleArtifacts)
	mux.HandleFunc("/api/artifacts/", srv.handleArtifactDownload)
	mux.HandleFunc("/api/logs", srv.handleLogs)

	srv.server = &http.Server{
		Handler:           srv.touchActivity(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // /api/logs streams indefinitely
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

// touchActivity counts every API request as user activity so the appliance
// never suspends under a client.
func (s *apiServer) touchActivity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.daemon.Touch()
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	names, err := s.daemon.artifacts.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		State:          string(s.daemon.PowerState()),
		BootCount:      s.daemon.settings.BootCount(),
		ArtifactCount:  len(names),
		SettingsDBPath: s.daemon.settings.Path(),
		ArtifactDir:    s.daemon.artifacts.Dir(),
		ClockSource:    string(s.daemon.clockSource),
	})
}

func (s *apiServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// The batch keeps running when the client hangs up; artifacts must not
	// be cut off mid-write.
	results, err := s.daemon.orchestrator.RunBatch(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := api.CaptureResponse{Results: make([]api.DeviceResult, len(results))}
	for i, res := range results {
		dto := api.DeviceResult{
			DeviceKey: res.DeviceKey,
			DeviceID:  res.DeviceID,
			Artifact:  res.Artifact,
			Text:      res.Text,
			Uploaded:  res.Uploaded,
			ErrorKind: res.ErrorKind,
		}
		if res.Err != nil {
			dto.Error = res.Err.Error()
		}
		payload.Results[i] = dto
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		op, err := s.daemon.settings.Operational(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, operationalToAPI(op))
	case http.MethodPut:
		var payload api.OperationalSettings
		if err := decodeBody(r, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		op := operationalFromAPI(payload)
		if err := s.daemon.settings.SetOperational(r.Context(), op); err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, operationalToAPI(op))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload := api.RegionsResponse{}
	for _, key := range settings.DeviceKeys() {
		region, err := s.daemon.settings.Device(r.Context(), key)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload.Regions = append(payload.Regions, regionToAPI(key, region))
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRegionUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/regions/")
	if !settings.ValidKey(key) {
		s.writeError(w, http.StatusNotFound, "unknown device slot")
		return
	}

	var payload api.Region
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	region := settings.DeviceRegion{
		ID:   payload.DeviceID,
		Type: payload.DeviceType,
		Rect: settings.Rect{X1: payload.X1, Y1: payload.Y1, X2: payload.X2, Y2: payload.Y2},
	}
	if err := s.daemon.settings.SetDevice(r.Context(), key, region); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, regionToAPI(key, region))
}

func (s *apiServer) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	names, err := s.daemon.artifacts.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := api.ArtifactListResponse{Artifacts: make([]api.ArtifactInfo, 0, len(names))}
	for _, name := range names {
		info := api.ArtifactInfo{
			Name:      name.String(),
			DeviceID:  name.DeviceID,
			Timestamp: name.Timestamp,
			BootCount: name.BootCount,
		}
		if stat, err := os.Stat(filepath.Join(s.daemon.artifacts.Dir(), name.String())); err == nil {
			info.Size = stat.Size()
		}
		if data, err := s.daemon.artifacts.Read(name.String()); err == nil {
			if record, found, err := jpegmeta.Extract(data); err == nil && found {
				info.Text = record.Text
			}
		}
		payload.Artifacts = append(payload.Artifacts, info)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/artifacts/")
	data, err := s.daemon.artifacts.Read(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleLogs streams live log records as NDJSON until the client hangs up.
func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.daemon.broadcaster == nil {
		s.writeError(w, http.StatusServiceUnavailable, "log streaming not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	entries, cancel := s.daemon.broadcaster.Subscribe(128)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-entries:
			if !open {
				return
			}
			if err := encoder.Encode(entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, target any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	if errors.Is(err, services.ErrConfiguration) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func operationalToAPI(op settings.Operational) api.OperationalSettings {
	return api.OperationalSettings{
		OCREnabled:   op.OCREnabled,
		CopyToServer: op.CopyToServer,
		ServerPath:   op.ServerPath,
		SleepEnabled: op.SleepEnabled,
		SleepSeconds: op.SleepSeconds,
		AGCGain:      op.AGCGain,
		AECValue:     op.AECValue,
		FlashDuty:    op.FlashDuty,
	}
}

func operationalFromAPI(payload api.OperationalSettings) settings.Operational {
	return settings.Operational{
		OCREnabled:   payload.OCREnabled,
		CopyToServer: payload.CopyToServer,
		ServerPath:   payload.ServerPath,
		SleepEnabled: payload.SleepEnabled,
		SleepSeconds: payload.SleepSeconds,
		AGCGain:      payload.AGCGain,
		AECValue:     payload.AECValue,
		FlashDuty:    payload.FlashDuty,
	}
}

func regionToAPI(key string, region settings.DeviceRegion) api.Region {
	return api.Region{
		Key:        key,
		DeviceID:   region.ID,
		DeviceType: region.Type,
		X1:         region.Rect.X1,
		Y1:         region.Rect.Y1,
		X2:         region.Rect.X2,
		Y2:         region.Rect.Y2,
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("api response encoding failed", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
