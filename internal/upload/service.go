package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ocr-table/internal/extract"
	"github.com/zombor/ocr-table/internal/gateway"
	"github.com/zombor/ocr-table/internal/ocr"
)

var (
	// ErrFileNotFound is returned when no queued file has the requested ID
	ErrFileNotFound = errors.New("file not found")

	// ErrNoFiles is returned when extraction is requested on an empty queue
	ErrNoFiles = errors.New("no files to extract")

	// ErrExtractionInProgress is returned when a batch is already running
	ErrExtractionInProgress = errors.New("extraction already in progress")

	// ErrUnsupportedFileType is returned for uploads that are not images or PDFs
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// acceptedTypes lists the upload formats the gateway can prepare
var acceptedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/tiff":      true,
	"image/bmp":       true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

// IDGenerator generates unique IDs for files and batches
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service owns the session upload queue, the running extraction and batch history
type Service struct {
	db          DB
	storage     Storage
	gateway     gateway.Gateway
	extractor   *extract.Extractor
	idGenerator IDGenerator
	timeSource  TimeSource

	mu    sync.Mutex
	files []*File
	state Snapshot
	done  chan struct{}
	// storage keys removed from the queue while a batch still reads them
	pendingDeletes []string
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, gw gateway.Gateway) *Service {
	return NewServiceWithDeps(db, storage, gw, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, gw gateway.Gateway, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		gateway:     gw,
		extractor:   extract.NewExtractor(gw, ocr.NewDispatcher()),
		idGenerator: idGen,
		timeSource:  timeSrc,
		state:       Snapshot{Results: []extract.Result{}},
	}
}

// storageKey builds a filesystem-safe key for an upload
func storageKey(id, filename string) string {
	ext := filepath.Ext(filename)
	base := unsafeNameChars.ReplaceAllString(strings.TrimSuffix(filepath.Base(filename), ext), "")
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "upload"
	}
	ext = unsafeNameChars.ReplaceAllString(strings.ToLower(strings.TrimPrefix(ext, ".")), "")
	if ext != "" {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s%s", id, base, ext)
}

// normalizeContentType lowercases the type and drops parameters
func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

// Routes returns the provider/document type pairs that can be extracted
func (s *Service) Routes() []ocr.Route {
	return s.extractor.Dispatcher().Routes()
}

// AddFile stores an upload and appends it to the queue
func (s *Service) AddFile(name string, data []byte, contentType string) (*File, error) {
	contentType = normalizeContentType(contentType)
	if !acceptedTypes[contentType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, contentType)
	}

	id := s.idGenerator.Generate()
	key, err := s.storage.Save(storageKey(id, name), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	file := &File{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        len(data),
		StorageKey:  key,
		PreviewURL:  "/api/files/" + id + "/preview",
		CreatedAt:   s.timeSource.Now(),
	}

	s.mu.Lock()
	s.files = append(s.files, file)
	s.mu.Unlock()

	return file, nil
}

// ListFiles returns the queued files in upload order
func (s *Service) ListFiles() []*File {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]*File, len(s.files))
	copy(files, s.files)
	return files
}

func (s *Service) findFile(id string) (*File, int) {
	for i, f := range s.files {
		if f.ID == id {
			return f, i
		}
	}
	return nil, -1
}

// GetFileData returns the bytes and content type of a queued file
func (s *Service) GetFileData(id string) ([]byte, string, error) {
	s.mu.Lock()
	file, _ := s.findFile(id)
	s.mu.Unlock()
	if file == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	data, err := s.storage.Get(file.StorageKey)
	if err != nil {
		return nil, "", fmt.Errorf("getting file data: %w", err)
	}
	return data, file.ContentType, nil
}

// DeleteFile removes a file from the queue along with any result for its name
func (s *Service) DeleteFile(id string) error {
	s.mu.Lock()
	file, idx := s.findFile(id)
	if file == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	s.files = append(s.files[:idx], s.files[idx+1:]...)
	if s.state.Extracting {
		s.pendingDeletes = append(s.pendingDeletes, file.StorageKey)
		s.mu.Unlock()
		return nil
	}
	kept := make([]extract.Result, 0, len(s.state.Results))
	for _, r := range s.state.Results {
		if r.FileName != file.Name {
			kept = append(kept, r)
		}
	}
	s.state.Results = kept
	s.mu.Unlock()

	s.deleteBlobs([]string{file.StorageKey})
	return nil
}

// DeleteAllFiles empties the queue and clears displayed results
func (s *Service) DeleteAllFiles() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.files))
	for _, f := range s.files {
		keys = append(keys, f.StorageKey)
	}
	s.files = nil
	if s.state.Extracting {
		s.pendingDeletes = append(s.pendingDeletes, keys...)
		s.mu.Unlock()
		return
	}
	s.state.Results = []extract.Result{}
	s.mu.Unlock()

	s.deleteBlobs(keys)
}

func (s *Service) deleteBlobs(keys []string) {
	for _, key := range keys {
		if err := s.storage.Delete(key); err != nil {
			slog.Warn("Failed to delete file", "key", key, "error", err)
		}
	}
}

// Snapshot returns a copy of the current extraction state
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	snap := s.state
	if s.state.Current != nil {
		current := *s.state.Current
		snap.Current = &current
	}
	snap.Results = make([]extract.Result, len(s.state.Results))
	copy(snap.Results, s.state.Results)
	return snap
}

// FileStarted implements extract.Observer
func (s *Service) FileStarted(index int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Current = &CurrentFile{Index: index, Name: name}
	s.state.Progress = 0
}

// FileFinished implements extract.Observer
func (s *Service) FileFinished(index int, result extract.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Results = append(s.state.Results, result)
	if !result.Record.IsError() {
		s.state.Progress = 100
	}
}

// begin claims the extraction slot and snapshots the queue
func (s *Service) begin(route ocr.Route) ([]extract.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Extracting {
		return nil, ErrExtractionInProgress
	}
	if len(s.files) == 0 {
		return nil, ErrNoFiles
	}

	files := make([]extract.File, 0, len(s.files))
	for _, f := range s.files {
		key := f.StorageKey
		files = append(files, extract.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Read:        func() ([]byte, error) { return s.storage.Get(key) },
		})
	}

	s.state = Snapshot{
		Extracting: true,
		Total:      len(files),
		Route:      route,
		Results:    []extract.Result{},
	}
	s.done = make(chan struct{})
	return files, nil
}

// run processes the claimed files and records the batch
func (s *Service) run(ctx context.Context, files []extract.File, route ocr.Route) *Batch {
	started := s.timeSource.Now()
	slog.Info("Starting extraction", "files", len(files), "route", route.String())

	results := s.extractor.Extract(ctx, files, route, s)

	batch := &Batch{
		ID:         s.idGenerator.Generate(),
		Route:      route,
		Results:    results,
		StartedAt:  started,
		FinishedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveBatch(batch); err != nil {
		slog.Error("Error saving batch", "batch_id", batch.ID, "error", err)
	}

	s.mu.Lock()
	s.state.Extracting = false
	s.state.Current = nil
	s.state.BatchID = batch.ID
	pending := s.pendingDeletes
	s.pendingDeletes = nil
	done := s.done
	s.mu.Unlock()

	// Blobs dequeued mid-batch are removed only once the batch has read them
	s.deleteBlobs(pending)
	close(done)

	slog.Info("Extraction finished", "batch_id", batch.ID, "files", len(results), "failures", batch.Failures())
	return batch
}

// StartExtraction runs the queued files through the extractor in the background
func (s *Service) StartExtraction(route ocr.Route) (Snapshot, error) {
	files, err := s.begin(route)
	if err != nil {
		return Snapshot{}, err
	}
	go s.run(context.Background(), files, route)
	return s.Snapshot(), nil
}

// Extract runs the queued files through the extractor and waits for the batch
func (s *Service) Extract(ctx context.Context, route ocr.Route) (*Batch, error) {
	files, err := s.begin(route)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, files, route), nil
}

// Wait blocks until the running extraction finishes or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recognize forwards one image to the gateway and returns the raw payload
func (s *Service) Recognize(ctx context.Context, img gateway.Image, route ocr.Route) ([]byte, error) {
	return s.gateway.Submit(ctx, img, route)
}

// ListBatches returns the extraction history, newest first
func (s *Service) ListBatches() ([]*Batch, error) {
	batches, err := s.db.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	return batches, nil
}

// GetBatch retrieves a batch by ID
func (s *Service) GetBatch(id string) (*Batch, error) {
	batch, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return batch, nil
}

// DeleteBatch removes a batch from history
func (s *Service) DeleteBatch(id string) error {
	if err := s.db.DeleteBatch(id); err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}
	return nil
}

// ExportBatchXLSX renders a batch as an XLSX workbook
func (s *Service) ExportBatchXLSX(id string) ([]byte, error) {
	batch, err := s.GetBatch(id)
	if err != nil {
		return nil, err
	}
	return ResultsXLSX(batch.Results)
}

// ExportBatchTSV renders a batch as tab-separated text
func (s *Service) ExportBatchTSV(id string) (string, error) {
	batch, err := s.GetBatch(id)
	if err != nil {
		return "", err
	}
	return ResultsTSV(batch.Results), nil
}
