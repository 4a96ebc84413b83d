package server

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
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/audiolibrelab/reclink/internal/service"
	"github.com/audiolibrelab/reclink/internal/session"
)

// Server exposes a recorder to browsers over HTTP and a websocket event feed
type Server struct {
	service    service.Service
	configFile string
	addr       string
	router     *mux.Router
	httpServer *http.Server
	hub        *hub
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Session           session.Snapshot `json:"session"`
	Device            string           `json:"device"`
	DownloadDirectory string           `json:"download_directory"`
	CatalogSize       int              `json:"catalog_size"`
	LastError         string           `json:"last_error,omitempty"`
}

// ThresholdRequest is the body of POST /api/threshold
type ThresholdRequest struct {
	Value *int `json:"value"`
}

// DownloadRequest is the body of POST /api/files/download
type DownloadRequest struct {
	Path string `json:"path"`
}

// FileInfo represents a device file for the UI
type FileInfo struct {
	session.FileCatalogEntry
	SizeHuman string `json:"size_human"`
}

// FilesResponse represents the JSON response for the files endpoint
type FilesResponse struct {
	Files []FileInfo `json:"files"`
	Count int        `json:"count"`
}

// WaveformResponse carries the level history, oldest first
type WaveformResponse struct {
	Samples   []int `json:"samples"`
	FullScale int   `json:"full_scale"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, configFile string, addr string) *Server {
	s := &Server{
		service:    svc,
		configFile: configFile,
		addr:       addr,
		router:     mux.NewRouter(),
		hub:        newHub(svc),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.handleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/status/refresh", s.handleRefreshStatus).Methods(http.MethodPost)
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/threshold", s.handleGetThreshold).Methods(http.MethodGet)
	api.HandleFunc("/threshold", s.handleSetThreshold).Methods(http.MethodPost)
	api.HandleFunc("/sdinfo", s.handleSDInfo).Methods(http.MethodGet)
	api.HandleFunc("/record", s.handleRecord).Methods(http.MethodPost)
	api.HandleFunc("/files", s.handleFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/refresh", s.handleRefreshFiles).Methods(http.MethodPost)
	api.HandleFunc("/files/latest", s.handleLatestFile).Methods(http.MethodGet)
	api.HandleFunc("/files/download", s.handleDownload).Methods(http.MethodPost)
	api.HandleFunc("/files/local/{name}", s.handleLocalFile).Methods(http.MethodGet)
	api.HandleFunc("/stream/start", s.handleStreamStart).Methods(http.MethodPost)
	api.HandleFunc("/stream/stop", s.handleStreamStop).Methods(http.MethodPost)
	api.HandleFunc("/waveform", s.handleWaveform).Methods(http.MethodGet)
	api.HandleFunc("/waveform", s.handleClearWaveform).Methods(http.MethodDelete)
	api.HandleFunc("/log", s.handleDeviceLog).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

// Start starts the web server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		port = strings.TrimPrefix(s.addr, ":")
	}
	localIP := getLocalIP()

	slog.Info("Starting recorder bridge",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", port))

	err = s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleIndex serves a minimal landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, defaultHTML)
}

const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>reclink</title>
</head>
<body>
    <h1>reclink</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>GET /api/status - Session status</li>
        <li>POST /api/connect, /api/disconnect</li>
        <li>GET|POST /api/threshold - Trigger threshold</li>
        <li>POST /api/record - Trigger a recording</li>
        <li>GET /api/files, POST /api/files/refresh, POST /api/files/download</li>
        <li>POST /api/stream/start, /api/stream/stop, GET /api/waveform</li>
        <li>GET /ws - Event stream</li>
    </ul>
</body>
</html>`

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.service.GetConfig()
	response := StatusResponse{
		Session:           s.service.Snapshot(),
		Device:            cfg.Device,
		DownloadDirectory: cfg.Download.Directory,
		CatalogSize:       len(s.service.Catalog()),
		LastError:         s.service.GetLastError(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.RefreshStatus(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "refresh_status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Connect(r.Context()); err != nil {
		s.sendServiceError(w, err, "connect")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Disconnect(); err != nil {
		s.sendServiceError(w, err, "disconnect")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Disconnected"})
}

func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	value, err := s.service.GetThreshold(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "get_threshold")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"threshold": value})
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	value, err := thresholdFromRequest(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "set_threshold")
		return
	}
	confirmed, err := s.service.SetThreshold(r.Context(), value)
	if err != nil {
		s.sendServiceError(w, err, "set_threshold")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"threshold": confirmed})
}

// thresholdFromRequest accepts ?value=N or a JSON body {"value": N}.
func thresholdFromRequest(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("value"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid threshold value %q", raw)
		}
		return v, nil
	}
	var req ThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, fmt.Errorf("invalid request body: %v", err)
	}
	if req.Value == nil {
		return 0, errors.New("missing threshold value")
	}
	return *req.Value, nil
}

func (s *Server) handleSDInfo(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.SDInfo(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "sd_info")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Record(r.Context()); err != nil {
		s.sendServiceError(w, err, "record")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording finished"})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, filesResponse(s.service.Catalog()))
}

func (s *Server) handleRefreshFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.RefreshFiles(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "list_files")
		return
	}
	writeJSON(w, http.StatusOK, filesResponse(entries))
}

func (s *Server) handleLatestFile(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.LatestRecording(r.Context())
	if errors.Is(err, service.ErrNoRecordings) {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "latest_file")
		return
	}
	if err != nil {
		s.sendServiceError(w, err, "latest_file")
		return
	}
	writeJSON(w, http.StatusOK, FileInfo{FileCatalogEntry: *entry, SizeHuman: formatBytes(entry.SizeBytes)})
}

func filesResponse(entries []session.FileCatalogEntry) FilesResponse {
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, FileInfo{FileCatalogEntry: e, SizeHuman: formatBytes(e.SizeBytes)})
	}
	return FilesResponse{Files: files, Count: len(files)}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Request body must contain a device path", "operation", "download")
		return
	}
	res, err := s.service.Download(r.Context(), req.Path)
	if err != nil && res == nil {
		s.sendServiceError(w, err, "download")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLocalFile serves a file previously saved to the download directory
func (s *Server) handleLocalFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["name"]

	// Validate filename (prevent path traversal)
	if filename == "" || strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Download.Directory, filename)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}

	file, err := os.Open(filePath)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartStream(r.Context()); err != nil {
		s.sendServiceError(w, err, "start_stream")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Streaming started"})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopStream(r.Context()); err != nil {
		s.sendServiceError(w, err, "stop_stream")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Streaming stopped"})
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	samples := s.service.Waveform()
	if samples == nil {
		samples = []int{}
	}
	writeJSON(w, http.StatusOK, WaveformResponse{Samples: samples, FullScale: 4096})
}

func (s *Server) handleClearWaveform(w http.ResponseWriter, r *http.Request) {
	s.service.ClearWaveform()
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Waveform cleared"})
}

func (s *Server) handleDeviceLog(w http.ResponseWriter, r *http.Request) {
	lines := s.service.DeviceLog()
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

// statusCodeFor maps session errors to HTTP status codes
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrConnectInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrConnectFailed), errors.Is(err, session.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error, operation string) {
	s.sendErrorResponse(w, statusCodeFor(err), err.Error(), "operation", operation)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
