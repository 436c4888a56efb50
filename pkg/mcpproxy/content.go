package mcpproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/pkg/kernel"
)

// ErrInvalidContent marks content items that cannot be decoded.
var ErrInvalidContent = errors.New("invalid MCP content")

// Content is one item of an MCP tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is an MCP tool result converted for the agent.
type Result struct {
	// Data is the single text part, or the list of parts when there are
	// several. Text parts holding JSON are decoded.
	Data        any                   `json:"data"`
	Attachments []kernel.UploadedFile `json:"attachments"`
	// Message tells the model how to show uploaded media.
	Message string `json:"message"`
}

var extensions = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"image/jpeg":  ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"video/mp4":   ".mp4",
}

func extension(mimeType string) string {
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ProcessContent uploads image and audio items of contents for threadID
// and collects the text items.
func ProcessContent(ctx context.Context, contents []Content, threadID string, uploader kernel.FileUploader) (*Result, error) {
	var (
		files []kernel.RunFile
		texts []any
	)
	for i, c := range contents {
		switch c.Type {
		case kernel.FileImage, kernel.FileAudio:
			raw, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidContent, i, err)
			}
			files = append(files, kernel.RunFile{
				Path:     "mcp/" + uuid.NewString() + extension(c.MimeType),
				FileType: c.Type,
				Content:  raw,
			})
		case "text":
			var decoded any
			if err := json.Unmarshal([]byte(c.Text), &decoded); err == nil {
				texts = append(texts, decoded)
			} else {
				texts = append(texts, c.Text)
			}
		}
	}

	res := &Result{Attachments: []kernel.UploadedFile{}}
	if len(texts) == 1 {
		res.Data = texts[0]
	} else {
		if texts == nil {
			texts = []any{}
		}
		res.Data = texts
	}

	if len(files) == 0 {
		return res, nil
	}
	if uploader == nil {
		return nil, fmt.Errorf("no uploader configured for %d media items", len(files))
	}
	uploaded, err := uploader.UploadRunFiles(ctx, files, threadID)
	if err != nil {
		return nil, err
	}
	res.Attachments = uploaded

	parts := make([]string, 0, len(uploaded))
	for _, f := range uploaded {
		var info string
		switch f.FileType {
		case kernel.FileAudio:
			info = "An audio file was generated during execution. "
		case kernel.FileImage:
			info = "An image was generated during execution. "
		}
		parts = append(parts, info+fmt.Sprintf("Its path is '%s'. You can show it to the user with \"![alt-text](attachment:%s)\" ", f.Path, f.Path))
	}
	res.Message = strings.Join(parts, "\n")
	return res, nil
}

// ContentHandler serves POST requests of {thread_id, content} and answers
// with the converted Result. The UI runs MCP tools itself and posts their
// output here before handing it back to the agent.
func ContentHandler(uploader kernel.FileUploader, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ThreadID string    `json:"thread_id"`
			Content  []Content `json:"content"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
			return
		}
		if body.ThreadID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "thread_id is required")
			return
		}

		res, err := ProcessContent(r.Context(), body.Content, body.ThreadID, uploader)
		if err != nil {
			if errors.Is(err, ErrInvalidContent) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			logger.Warn().Err(err).Str("thread_id", body.ThreadID).Msg("Failed to process MCP content")
			writeError(w, http.StatusBadGateway, "upstream", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": message}})
}
