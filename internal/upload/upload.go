package upload

import (
	"time"

	"github.com/zombor/ocr-table/internal/extract"
	"github.com/zombor/ocr-table/internal/ocr"
)

// File is an image in the session queue
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	StorageKey  string    `json:"-"`
	PreviewURL  string    `json:"preview_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// CurrentFile identifies the file being extracted
type CurrentFile struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Snapshot is a copy of the extraction state for rendering
type Snapshot struct {
	Extracting bool             `json:"extracting"`
	Current    *CurrentFile     `json:"current,omitempty"`
	Progress   int              `json:"progress"`
	Total      int              `json:"total"`
	Route      ocr.Route        `json:"route"`
	Results    []extract.Result `json:"results"`
	BatchID    string           `json:"batch_id,omitempty"`
}

// Batch is a completed extraction run
type Batch struct {
	ID         string           `json:"id"`
	Route      ocr.Route        `json:"route"`
	Results    []extract.Result `json:"results"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Failures counts the error markers in the batch
func (b *Batch) Failures() int {
	n := 0
	for _, r := range b.Results {
		if r.Record.IsError() {
			n++
		}
	}
	return n
}
