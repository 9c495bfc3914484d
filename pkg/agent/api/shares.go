package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/0xHecker/omni-stream/pkg/agent/fileserve"
	"github.com/0xHecker/omni-stream/pkg/agent/store"
	"github.com/0xHecker/omni-stream/pkg/pathsafe"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// SharesHandler serves ticketed listing, search, and file access on the
// agent's exported shares.
type SharesHandler struct {
	store  store.Store
	secret string
}

// NewSharesHandler creates a shares handler.
func NewSharesHandler(st store.Store, secret string) *SharesHandler {
	return &SharesHandler{store: st, secret: secret}
}

// verifyTicket checks the read ticket against the share and permission.
// Writes the problem response and returns false on rejection.
func (h *SharesHandler) verifyTicket(w http.ResponseWriter, r *http.Request, shareID, permission string) bool {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		unauthorized(w, "Missing ticket")
		return false
	}
	if _, err := token.VerifyReadTicket(h.secret, ticket, shareID, permission); err != nil {
		if errors.Is(err, token.ErrScope) {
			forbidden(w, err.Error())
		} else {
			unauthorized(w, err.Error())
		}
		return false
	}
	return true
}

// resolveShareDir loads the share and maps the client path onto the
// filesystem. Writes the problem response and returns ok=false on failure.
func (h *SharesHandler) resolveShareDir(w http.ResponseWriter, r *http.Request, shareID string) (root, target string, ok bool) {
	share, err := h.store.GetShare(r.Context(), shareID)
	if err != nil {
		notFound(w, "Share not found")
		return "", "", false
	}
	info, err := os.Stat(share.RootPath)
	if err != nil || !info.IsDir() {
		notFound(w, "Share root unavailable")
		return "", "", false
	}

	target, err = pathsafe.Resolve(share.RootPath, r.URL.Query().Get("path"))
	if err != nil {
		badRequest(w, err.Error())
		return "", "", false
	}
	return share.RootPath, target, true
}

// queryInt parses an integer query parameter, clamping to [min, max].
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// List returns one directory level of a share.
func (h *SharesHandler) List(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "shareID")
	if !h.verifyTicket(w, r, shareID, "read") {
		return
	}
	root, target, ok := h.resolveShareDir(w, r, shareID)
	if !ok {
		return
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		notFound(w, "Directory not found")
		return
	}

	maxResults := queryInt(r, "max_results", fileserve.DefaultMaxEntries, 50, fileserve.MaxEntriesCap)
	result, err := fileserve.List(root, target, maxResults)
	if err != nil {
		if os.IsPermission(err) {
			forbidden(w, "Permission denied")
			return
		}
		internalServerError(w, "Failed to list directory")
		return
	}
	writeJSONOK(w, result)
}

// Search runs a substring search under a share path.
func (h *SharesHandler) Search(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "shareID")
	if !h.verifyTicket(w, r, shareID, "read") {
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" || len(query) > 120 {
		badRequest(w, "q must be between 1 and 120 characters")
		return
	}

	root, target, ok := h.resolveShareDir(w, r, shareID)
	if !ok {
		return
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		notFound(w, "Directory not found")
		return
	}

	recursive := true
	switch r.URL.Query().Get("recursive") {
	case "0", "false", "False":
		recursive = false
	}
	maxResults := queryInt(r, "max_results", fileserve.DefaultMaxEntries, 1, fileserve.SearchResultsCap)

	result, err := fileserve.Search(root, target, query, recursive, maxResults)
	if err != nil {
		if os.IsPermission(err) {
			forbidden(w, "Permission denied")
			return
		}
		internalServerError(w, "Search failed")
		return
	}
	writeJSONOK(w, result)
}

// Stream serves a file inline for in-browser viewing. Range requests are
// honored so video seeks work.
func (h *SharesHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, false)
}

// Download serves a file as an attachment. Requires the download
// permission on the ticket.
func (h *SharesHandler) Download(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, true)
}

func (h *SharesHandler) serveFile(w http.ResponseWriter, r *http.Request, attachment bool) {
	shareID := chi.URLParam(r, "shareID")
	permission := "read"
	if attachment {
		permission = "download"
	}
	if !h.verifyTicket(w, r, shareID, permission) {
		return
	}
	_, target, ok := h.resolveShareDir(w, r, shareID)
	if !ok {
		return
	}

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		notFound(w, "File not found")
		return
	}
	file, err := os.Open(target)
	if err != nil {
		if os.IsPermission(err) {
			forbidden(w, "Permission denied")
			return
		}
		internalServerError(w, "Failed to open file")
		return
	}
	defer file.Close()

	fileType := fileserve.FileType(info.Name())
	w.Header().Set("Content-Type", fileserve.MimeType(info.Name(), fileType))
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
