package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ereuse/workbench-server/internal/config"
	"github.com/ereuse/workbench-server/internal/server/middleware"
)

// Settings serves the workbench settings document clients poll to learn the
// operator's choices, plus the list of installable OS images.
type Settings struct {
	Settings  *config.Settings
	ImagesDir string
	Log       *zap.Logger
}

// Get returns the stored settings document.
func (h *Settings) Get(w http.ResponseWriter, r *http.Request) {
	wb, err := h.Settings.Read()
	if err != nil {
		h.Log.Error("read settings", zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError,
			middleware.CodeInternal, "cannot read settings")
		return
	}
	writeJSON(w, http.StatusOK, wb)
}

// Post replaces the settings document.
func (h *Settings) Post(w http.ResponseWriter, r *http.Request) {
	var wb config.Workbench
	if err := json.NewDecoder(r.Body).Decode(&wb); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, "body is not a settings document")
		return
	}
	if err := h.Settings.Write(wb); err != nil {
		h.Log.Error("write settings", zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError,
			middleware.CodeInternal, "cannot write settings")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Images lists the OS images available for installation: every .fsa file in
// the images directory, labeled with its human-readable size.
func (h *Settings) Images(w http.ResponseWriter, r *http.Request) {
	type image struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	images := []image{}
	entries, err := os.ReadDir(h.ImagesDir)
	if err != nil && !os.IsNotExist(err) {
		h.Log.Error("read images dir", zap.String("dir", h.ImagesDir), zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError,
			middleware.CodeInternal, "cannot list images")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".fsa" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".fsa")
		images = append(images, image{
			Name:  fmt.Sprintf("%s – %s", stem, humanSize(info.Size())),
			Value: entry.Name(),
		})
	}
	writeJSON(w, http.StatusOK, images)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
