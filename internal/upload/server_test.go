package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/ocr-table/internal/ocr"
)

type part struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

// multipartBody builds a multipart request body from file parts and plain fields
func multipartBody(parts []part, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := writer.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write(p.data)
		Expect(err).NotTo(HaveOccurred())
	}
	for k, v := range fields {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeError(resp *http.Response) string {
	var body map[string]string
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return body["error"]
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		gw          *mockGateway
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AllowUnhandledRequests = false
		ghttpServer.RouteToHandler("GET", regexp.MustCompile(".*"), server.ServeHTTP)
		ghttpServer.RouteToHandler("POST", regexp.MustCompile(".*"), server.ServeHTTP)
		ghttpServer.RouteToHandler("DELETE", regexp.MustCompile(".*"), server.ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		gw = newMockGateway()
		gw.payloads["A"] = passengerPayload("ALICE")
		gw.payloads["B"] = passengerPayload("BOB")
		service = NewServiceWithDeps(db, newMockStorage(), gw, &mockIDGenerator{}, &mockTimeSource{
			now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		})
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	url := func(path string) string {
		return ghttpServer.URL() + path
	}

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, url(path), body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleIndex", func() {
		It("should return the HTML interface", func() {
			resp, err := http.Get(url("/"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("OCR Table"))
		})

		It("should serve the controllers as JavaScript", func() {
			resp, err := http.Get(url("/static/controllers/extract_controller.js"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/javascript"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(url("/api/files"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("OCR Table"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", url("/api/files"), nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("handleListProviders", func() {
		It("should group document types by provider", func() {
			resp, err := http.Get(url("/api/providers"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var providers []providerOption
			Expect(json.NewDecoder(resp.Body).Decode(&providers)).To(Succeed())
			Expect(providers).To(Equal([]providerOption{
				{Name: ocr.ProviderBaidu, APITypes: []ocr.DocumentType{ocr.DocumentFinancialNotes}},
			}))
		})
	})

	Describe("handleRecognize", func() {
		var fields map[string]string

		BeforeEach(func() {
			fields = map[string]string{"provider": "BAIDU", "apiType": "Financial Notes"}
		})

		It("should return the raw provider payload", func() {
			body, ct := multipartBody([]part{{field: "image", filename: "a.png", contentType: "image/png", data: []byte("A")}}, fields)
			resp := do("POST", "/api/ocr", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(Equal(passengerPayload("ALICE")))
		})

		It("should reject a request without an image", func() {
			body, ct := multipartBody(nil, fields)
			resp := do("POST", "/api/ocr", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(Equal("No file uploaded"))
		})

		It("should reject an unsupported provider", func() {
			fields["provider"] = "TENCENT"
			body, ct := multipartBody([]part{{field: "image", filename: "a.png", data: []byte("A")}}, fields)
			resp := do("POST", "/api/ocr", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(Equal("Unsupported OCR provider or API type"))
		})

		It("should report upstream failures as bad gateway", func() {
			gw.errs["A"] = errors.New("provider down")
			body, ct := multipartBody([]part{{field: "image", filename: "a.png", data: []byte("A")}}, fields)
			resp := do("POST", "/api/ocr", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(decodeError(resp)).To(Equal("Failed to process OCR request"))
		})
	})

	Describe("file queue", func() {
		It("should queue several images in one request", func() {
			body, ct := multipartBody([]part{
				{field: "image", filename: "a.png", contentType: "image/png", data: []byte("A")},
				{field: "image", filename: "b.jpg", data: []byte("B")},
				{field: "image", filename: "notes.txt", contentType: "text/plain", data: []byte("x")},
			}, nil)
			resp := do("POST", "/api/files", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var result struct {
				Files    []*File          `json:"files"`
				Rejected []rejectedUpload `json:"rejected"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result.Files).To(HaveLen(2))
			Expect(result.Files[1].ContentType).To(Equal("image/jpeg"))
			Expect(result.Rejected).To(Equal([]rejectedUpload{{Name: "notes.txt", Error: "Unsupported file type"}}))
			Expect(service.ListFiles()).To(HaveLen(2))
		})

		It("should reject an upload with no usable files", func() {
			body, ct := multipartBody([]part{{field: "image", filename: "notes.txt", contentType: "text/plain", data: []byte("x")}}, nil)
			resp := do("POST", "/api/files", body, ct)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a non-multipart body", func() {
			resp := do("POST", "/api/files", strings.NewReader("{}"), "application/json")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should list, preview and delete files", func() {
			file, err := service.AddFile("a.png", []byte("A"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(url("/api/files"))
			Expect(err).NotTo(HaveOccurred())
			var files []*File
			Expect(json.NewDecoder(resp.Body).Decode(&files)).To(Succeed())
			resp.Body.Close()
			Expect(files).To(HaveLen(1))

			resp, err = http.Get(url(file.PreviewURL))
			Expect(err).NotTo(HaveOccurred())
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(string(data)).To(Equal("A"))

			resp = do("DELETE", "/api/files/"+file.ID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(service.ListFiles()).To(BeEmpty())

			resp = do("DELETE", "/api/files/"+file.ID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete every file", func() {
			_, err := service.AddFile("a.png", []byte("A"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			resp := do("DELETE", "/api/files", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(service.ListFiles()).To(BeEmpty())
		})
	})

	Describe("extraction", func() {
		start := func(body string) *http.Response {
			return do("POST", "/api/extract", strings.NewReader(body), "application/json")
		}

		It("should reject extraction with an empty queue", func() {
			resp := start(`{"provider": "BAIDU", "apiType": "Financial Notes"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(Equal("No files to extract"))
		})

		It("should reject an invalid body", func() {
			resp := start(`not json`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should run the batch and expose its results", func() {
			_, err := service.AddFile("a.png", []byte("A"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.AddFile("b.png", []byte("B"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			resp := start(`{"provider": "BAIDU", "apiType": "Financial Notes"}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(service.Wait(context.Background())).To(Succeed())

			resp, err = http.Get(url("/api/extract"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var snap Snapshot
			Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
			Expect(snap.Extracting).To(BeFalse())
			Expect(snap.Results).To(HaveLen(2))
			Expect(snap.Results[1].Record).To(Equal(ocr.Record{"type": "air_ticket", "passenger_name": "BOB"}))
			Expect(snap.BatchID).NotTo(BeEmpty())
		})

		It("should report a running batch as a conflict", func() {
			gw.gate = make(chan struct{})
			defer func() {
				close(gw.gate)
				Expect(service.Wait(context.Background())).To(Succeed())
			}()
			_, err := service.AddFile("a.png", []byte("A"), "image/png")
			Expect(err).NotTo(HaveOccurred())

			resp := start(`{"provider": "BAIDU", "apiType": "Financial Notes"}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			resp = start(`{"provider": "BAIDU", "apiType": "Financial Notes"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("batches", func() {
		var batch *Batch

		BeforeEach(func() {
			_, err := service.AddFile("a.png", []byte("A"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			batch, err = service.Extract(context.Background(), financialNotes)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list batches", func() {
			resp, err := http.Get(url("/api/batches"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var batches []*Batch
			Expect(json.NewDecoder(resp.Body).Decode(&batches)).To(Succeed())
			Expect(batches).To(HaveLen(1))
		})

		It("should return an empty array when history is empty", func() {
			Expect(db.DeleteBatch(batch.ID)).To(Succeed())
			resp, err := http.Get(url("/api/batches"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
		})

		It("should fail when history cannot be read", func() {
			db.listErr = errors.New("db error")
			resp, err := http.Get(url("/api/batches"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("should return a batch", func() {
			resp, err := http.Get(url("/api/batches/" + batch.ID))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should return not found for an unknown batch", func() {
			resp, err := http.Get(url("/api/batches/missing"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should export a batch as XLSX", func() {
			resp, err := http.Get(url("/api/batches/" + batch.ID + "/export.xlsx"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(xlsxContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("batch-" + batch.ID + ".xlsx"))
		})

		It("should export a batch as TSV", func() {
			resp, err := http.Get(url("/api/batches/" + batch.ID + "/export.tsv"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(HavePrefix("file\ttype\tpassenger_name"))
		})

		It("should return not found when exporting an unknown batch as TSV", func() {
			resp, err := http.Get(url("/api/batches/missing/export.tsv"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should fail the TSV export when history cannot be read", func() {
			db.getErr = errors.New("db error")
			resp, err := http.Get(url("/api/batches/" + batch.ID + "/export.tsv"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("should delete a batch", func() {
			resp := do("DELETE", "/api/batches/"+batch.ID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do("DELETE", "/api/batches/"+batch.ID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
