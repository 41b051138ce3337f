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
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/blackbox/internal/audio"
	"github.com/audiolibrelab/blackbox/internal/writer"
)

const shutdownTimeout = 5 * time.Second

// Server exposes recorder status, meters, finished recordings and metrics over HTTP
type Server struct {
	recorder  audio.Recorder
	outputDir string
	address   string
	gatherer  prometheus.Gatherer
	onStop    func()

	mux *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message,omitempty"`
	Session *audio.SessionInfo `json:"session,omitempty"`
	Stats   audio.Stats        `json:"stats"`
	Levels  []float32          `json:"levels,omitempty"`
}

// LevelsResponse carries the per channel peak meters
type LevelsResponse struct {
	Levels []float32 `json:"levels"`
}

// FileInfo represents a finished recording in the output directory
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	DownloadURL  string    `json:"download_url"`
}

// FilesResponse represents the JSON response for files endpoint
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// New creates a status server. gatherer may be nil to disable /metrics and
// onStop may be nil to disable /stop.
func New(rec audio.Recorder, outputDir, address string, gatherer prometheus.Gatherer, onStop func()) *Server {
	s := &Server{
		recorder:  rec,
		outputDir: outputDir,
		address:   address,
		gatherer:  gatherer,
		onStop:    onStop,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/levels", s.handleLevels)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/api/files", s.handleFiles)
	s.mux.HandleFunc("/api/files/download/", s.handleFileDownload)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routing handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	slog.Info("Starting status server",
		"address", ln.Addr().String(),
		"local_url", fmt.Sprintf("http://%s:%s/status", getLocalIP(), port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		slog.Debug("Status server stopped")
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
		return
	}

	status, session := s.recorder.GetStatus()
	stats := s.recorder.Stats()

	response := StatusResponse{
		Status:  string(status),
		Message: generateStatusMessage(status, session, stats),
		Session: session,
		Stats:   stats,
		Levels:  s.recorder.Levels(false),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
		return
	}

	reset := r.URL.Query().Get("reset") == "true"
	levels := s.recorder.Levels(reset)
	if levels == nil {
		levels = []float32{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LevelsResponse{Levels: levels})
}

// handleStop asks the owning command to end the recording
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
		return
	}
	if s.onStop == nil {
		s.sendErrorResponse(w, http.StatusNotImplemented, "Stopping over HTTP is disabled")
		return
	}

	status, _ := s.recorder.GetStatus()
	if status != audio.StatusRecording && status != audio.StatusDiskFull {
		s.sendErrorResponse(w, http.StatusConflict, "No recording in progress", "status", status)
		return
	}

	slog.Info("Stop requested over HTTP", "remote", r.RemoteAddr)
	s.onStop()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Stopping recording",
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
		return
	}

	if s.outputDir == "" {
		s.sendErrorResponse(w, http.StatusInternalServerError, "No output directory configured")
		return
	}

	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read output directory: %v", err), "dir", s.outputDir)
		return
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isFinishedRecording(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}

		files = append(files, FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			DownloadURL:  fmt.Sprintf("/api/files/download/%s", entry.Name()),
		})
	}

	// Newest first
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModTime.After(files[j].ModTime)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: s.outputDir,
	})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/files/download/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Prevent path traversal
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	// Files still being written are not served
	if !isFinishedRecording(filename) {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.outputDir, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))

	if _, err := io.Copy(w, file); err != nil {
		slog.Error("Error serving file download", "file", filename, "error", err)
	}
}

func isFinishedRecording(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav") && !writer.IsTempPath(name)
}

func generateStatusMessage(status audio.Status, session *audio.SessionInfo, stats audio.Stats) string {
	switch status {
	case audio.StatusRecording:
		if session != nil {
			return fmt.Sprintf("Recording %d channel(s) to %s", len(session.Channels), session.OutputDir)
		}
		return "Recording in progress"
	case audio.StatusDiskFull:
		return "Disk space below minimum, recording to disk has stopped"
	case audio.StatusError:
		if stats.WriteErrors > 0 {
			return fmt.Sprintf("Recording failed with %d write errors", stats.WriteErrors)
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
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
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
