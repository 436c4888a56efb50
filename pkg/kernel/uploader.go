package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// File types understood by the upload service.
const (
	FileImage       = "image"
	FilePlotlyGraph = "plotly_graph"
	FileHTML        = "html"
	FileText        = "text"
	FileAudio       = "audio"
	FileOther       = "other"
)

// RunFile is a file produced during a run.
type RunFile struct {
	Path     string
	FileType string
	Content  []byte
}

// UploadedFile is the upload service's description of a stored file.
type UploadedFile struct {
	Path     string         `json:"path"`
	FileType string         `json:"file_type"`
	Size     int64          `json:"size,omitempty"`
	Extra    map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Extra so they survive into attachments.
func (u *UploadedFile) UnmarshalJSON(data []byte) error {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	type plain UploadedFile
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UploadedFile(p)
	delete(all, "path")
	delete(all, "file_type")
	delete(all, "size")
	if len(all) > 0 {
		u.Extra = all
	}
	return nil
}

// Attachment returns the file as a UI attachment map.
func (u UploadedFile) Attachment() map[string]any {
	out := make(map[string]any, len(u.Extra)+3)
	for k, v := range u.Extra {
		out[k] = v
	}
	out["path"] = u.Path
	out["file_type"] = u.FileType
	if u.Size > 0 {
		out["size"] = u.Size
	}
	return out
}

// FileUploader stores run files. *Uploader implements it.
type FileUploader interface {
	UploadRunFiles(ctx context.Context, files []RunFile, threadID string) ([]UploadedFile, error)
}

// Uploader is the upload service client.
type Uploader struct {
	baseURL    string
	httpClient *http.Client
}

// NewUploader creates an uploader; an empty baseURL uses DefaultUploadURL.
func NewUploader(baseURL string) *Uploader {
	if baseURL == "" {
		baseURL = DefaultUploadURL
	}
	return &Uploader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 300 * time.Second},
	}
}

// UploadRunFiles posts files as multipart "files" parts, each followed by a
// "types" field, plus the thread id, to /upload/run.
func (u *Uploader) UploadRunFiles(ctx context.Context, files []RunFile, threadID string) ([]UploadedFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Path)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write form file: %w", err)
		}
		if err := mw.WriteField("types", f.FileType); err != nil {
			return nil, fmt.Errorf("write form field: %w", err)
		}
	}
	if err := mw.WriteField("thread_id", threadID); err != nil {
		return nil, fmt.Errorf("write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/upload/run", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload run files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upload run files: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Saved []UploadedFile `json:"saved"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return out.Saved, nil
}
