package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/ocr-table/internal/gateway"
	"github.com/zombor/ocr-table/internal/ocr"
)

// ErrorMessage is the message recorded for any file that fails to process
const ErrorMessage = "Error processing file"

// File is one queued image
type File struct {
	Name        string
	ContentType string
	// Read returns the image bytes. It is called only when the file is processed.
	Read func() ([]byte, error)
}

// BytesFile returns a File backed by in-memory data
func BytesFile(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Read:        func() ([]byte, error) { return data, nil },
	}
}

// Result pairs a file name with its normalized record or error marker
type Result struct {
	FileName string     `json:"file_name"`
	Record   ocr.Record `json:"fields"`
}

// Observer receives progress as a batch runs
type Observer interface {
	// FileStarted is called before a file is submitted
	FileStarted(index int, name string)
	// FileFinished is called once the file's result is appended
	FileFinished(index int, result Result)
}

// Extractor runs files through the gateway and dispatcher, one at a time
type Extractor struct {
	gateway    gateway.Gateway
	dispatcher *ocr.Dispatcher
}

// NewExtractor creates a new Extractor
func NewExtractor(gw gateway.Gateway, dispatcher *ocr.Dispatcher) *Extractor {
	if dispatcher == nil {
		dispatcher = ocr.NewDispatcher()
	}
	return &Extractor{
		gateway:    gw,
		dispatcher: dispatcher,
	}
}

// Dispatcher returns the dispatcher used to normalize payloads
func (e *Extractor) Dispatcher() *ocr.Dispatcher {
	return e.dispatcher
}

// Extract processes files strictly in order and returns one result per file.
// A failing file is recorded as an error marker and never stops the batch.
func (e *Extractor) Extract(ctx context.Context, files []File, route ocr.Route, observer Observer) []Result {
	results := make([]Result, 0, len(files))
	for i, file := range files {
		if observer != nil {
			observer.FileStarted(i, file.Name)
		}

		record, err := e.process(ctx, file, route)
		if err != nil {
			slog.Error("Error processing file", "file", file.Name, "index", i, "route", route.String(), "error", err)
			record = ocr.Failed(ErrorMessage)
		}

		result := Result{FileName: file.Name, Record: record}
		results = append(results, result)
		if observer != nil {
			observer.FileFinished(i, result)
		}
	}
	return results
}

func (e *Extractor) process(ctx context.Context, file File, route ocr.Route) (ocr.Record, error) {
	if !e.dispatcher.Supports(route) {
		return ocr.Unknown(), nil
	}

	data, err := file.Read()
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	raw, err := e.gateway.Submit(ctx, gateway.Image{Data: data, ContentType: file.ContentType}, route)
	if errors.Is(err, gateway.ErrUnsupportedRoute) {
		return ocr.Unknown(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("submitting to gateway: %w", err)
	}

	record, err := e.dispatcher.Dispatch(raw, route)
	if err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}
	return record, nil
}
