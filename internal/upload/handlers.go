package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/ocr-table/internal/gateway"
	"github.com/zombor/ocr-table/internal/ocr"
)

// Uploads up to 50MB per request to handle high-resolution phone photos
const maxFormSize = int64(50 << 20)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// corsError writes a plain-text error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a {"error": message} response with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes data with the given status code
func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// contentTypeFor returns the declared content type of an upload, falling back
// to its extension
func contentTypeFor(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	return data, nil
}

// parseUploadForm parses a multipart body, writing the error response on failure
func parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Failed to process upload"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return false
	}
	return true
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// providerOption is one provider entry for the UI selectors
type providerOption struct {
	Name     ocr.Provider       `json:"name"`
	APITypes []ocr.DocumentType `json:"apiTypes"`
}

// handleListProviders returns the supported providers and their document types
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	options := []providerOption{}
	for _, route := range s.service.Routes() {
		if n := len(options); n > 0 && options[n-1].Name == route.Provider {
			options[n-1].APITypes = append(options[n-1].APITypes, route.DocumentType)
			continue
		}
		options = append(options, providerOption{Name: route.Provider, APITypes: []ocr.DocumentType{route.DocumentType}})
	}
	writeJSON(w, http.StatusOK, options)
}

// handleRecognize forwards a single image to the provider and returns its raw JSON
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if !parseUploadForm(w, r) {
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		jsonError(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	header := files[0]

	data, err := readUpload(header)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Failed to process upload", http.StatusInternalServerError)
		return
	}

	route := ocr.Route{
		Provider:     ocr.Provider(r.FormValue("provider")),
		DocumentType: ocr.DocumentType(r.FormValue("apiType")),
	}
	img := gateway.Image{Data: data, ContentType: contentTypeFor(header)}

	payload, err := s.service.Recognize(r.Context(), img, route)
	if errors.Is(err, gateway.ErrUnsupportedRoute) {
		jsonError(w, "Unsupported OCR provider or API type", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Error processing OCR request", "filename", header.Filename, "route", route.String(), "error", err)
		jsonError(w, "Failed to process OCR request", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// rejectedUpload explains why one upload was not queued
type rejectedUpload struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// handleUploadFiles queues every "image" part of a multipart upload
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if !parseUploadForm(w, r) {
		return
	}

	headers := r.MultipartForm.File["image"]
	if len(headers) == 0 {
		jsonError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}

	added := make([]*File, 0, len(headers))
	rejected := make([]rejectedUpload, 0)
	for _, header := range headers {
		data, err := readUpload(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			rejected = append(rejected, rejectedUpload{Name: header.Filename, Error: "Error reading file"})
			continue
		}

		file, err := s.service.AddFile(header.Filename, data, contentTypeFor(header))
		if err != nil {
			slog.Error("Error queueing file", "filename", header.Filename, "error", err)
			msg := "Error saving file"
			if errors.Is(err, ErrUnsupportedFileType) {
				msg = "Unsupported file type"
			}
			rejected = append(rejected, rejectedUpload{Name: header.Filename, Error: msg})
			continue
		}
		added = append(added, file)
	}

	response := map[string]any{
		"files":    added,
		"rejected": rejected,
	}
	if len(added) == 0 {
		setCORSHeaders(w)
		writeJSON(w, http.StatusBadRequest, response)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

// handleListFiles returns the queued files
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListFiles())
}

// handleFilePreview returns the bytes of a queued file
func (s *Server) handleFilePreview(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetFileData(r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteFile removes one file from the queue
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteFile(r.PathValue("id")); err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllFiles empties the queue
func (s *Server) handleDeleteAllFiles(w http.ResponseWriter, r *http.Request) {
	s.service.DeleteAllFiles()
	w.WriteHeader(http.StatusNoContent)
}

// handleStartExtraction starts a batch over the queued files
func (s *Server) handleStartExtraction(w http.ResponseWriter, r *http.Request) {
	var route ocr.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snapshot, err := s.service.StartExtraction(route)
	switch {
	case errors.Is(err, ErrNoFiles):
		jsonError(w, "No files to extract", http.StatusBadRequest)
		return
	case errors.Is(err, ErrExtractionInProgress):
		jsonError(w, "Extraction already in progress", http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error starting extraction", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, snapshot)
}

// handleExtractionStatus returns the current extraction state
func (s *Server) handleExtractionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Snapshot())
}

// handleListBatches returns the extraction history
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.ListBatches()
	if err != nil {
		slog.Error("Error listing batches", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []*Batch{}
	}

	writeJSON(w, http.StatusOK, batches)
}

// handleGetBatch returns a single batch
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.service.GetBatch(r.PathValue("id"))
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

// handleDeleteBatch removes a batch from history
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBatch(r.PathValue("id")); err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			corsError(w, "Batch not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting batch", "error", err)
		corsError(w, "Error deleting batch", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleExportXLSX downloads a batch as a spreadsheet
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.service.ExportBatchXLSX(id)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			corsError(w, "Batch not found", http.StatusNotFound)
			return
		}
		slog.Error("Error exporting batch", "batch_id", id, "error", err)
		corsError(w, "Error exporting batch", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, id))
	w.Write(data)
}

// handleExportTSV downloads a batch as tab-separated text
func (s *Server) handleExportTSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := s.service.ExportBatchTSV(id)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			corsError(w, "Batch not found", http.StatusNotFound)
			return
		}
		slog.Error("Error exporting batch", "batch_id", id, "error", err)
		corsError(w, "Error exporting batch", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.tsv"`, id))
	io.WriteString(w, text)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	// Use module MIME type for ES6 modules
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}
