package devicesim

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/audiolibrelab/reclink/internal/protocol"
)

// Handler serves the device's HTTP API.
func (d *Device) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(protocol.PathStatus, d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(protocol.PathThreshold, d.handleGetThreshold).Methods(http.MethodGet)
	r.HandleFunc(protocol.PathThreshold, d.handleSetThreshold).Methods(http.MethodPost)
	r.HandleFunc(protocol.PathRecord, d.handleRecord).Methods(http.MethodPost)
	r.HandleFunc(protocol.PathFiles, d.handleFiles).Methods(http.MethodGet)
	r.HandleFunc(protocol.PathDownload, d.handleDownload).Methods(http.MethodGet)
	r.HandleFunc(protocol.PathLevel, d.handleLevel).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (d *Device) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Status())
}

func (d *Device) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"threshold": d.Threshold()})
}

func (d *Device) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil {
		http.Error(w, "missing or invalid value", http.StatusBadRequest)
		return
	}
	if err := d.SetThreshold(value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"threshold": d.Threshold()})
}

func (d *Device) handleRecord(w http.ResponseWriter, r *http.Request) {
	if _, err := d.Record(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrBusy) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, d.Status())
}

func (d *Device) handleFiles(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Path string `json:"path"`
		Size int    `json:"size"`
	}
	files := d.Files()
	out := make([]entry, 0, len(files))
	for _, f := range files {
		out = append(out, entry{Path: f.Path, Size: len(f.Data)})
	}
	writeJSON(w, out)
}

func (d *Device) handleDownload(w http.ResponseWriter, r *http.Request) {
	f, err := d.Lookup(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	_, _ = w.Write(f.Data)
}

func (d *Device) handleLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"level": d.Level()})
}
