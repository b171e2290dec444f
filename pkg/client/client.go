// Package client talks to the vidfilter Media API
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/vidfilter/pkg/iox"
	"github.com/cyclopcam/vidfilter/pkg/requests"
)

// The server processes the whole video before it responds to an upload
const DefaultUploadTimeout = 300 * time.Second

// Downloads land here unless the caller picks another directory
const DefaultScratchDir = "media_cliente"

const (
	KindOriginal  = "original"
	KindProcessed = "processed"
)

var ErrNotFound = errors.New("Video not found")

type UploadResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Filter  string `json:"filter"`
}

type HistoryItem struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	Filter       string    `json:"filter"`
	CreatedAt    time.Time `json:"created_at"`
}

type Client struct {
	BaseURL       string // eg http://localhost:5000
	HTTP          *http.Client
	UploadTimeout time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:       baseURL,
		HTTP:          &http.Client{},
		UploadTimeout: DefaultUploadTimeout,
	}
}

// IsConnectivityError returns true if the server could not be reached at all
func IsConnectivityError(err error) bool {
	return errors.Is(err, requests.ErrTransport)
}

func (c *Client) url(parts ...string) string {
	u := c.BaseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Upload sends a video file, and blocks until the server has finished filtering it.
// filterTag may be empty, in which case the server picks its default filter.
func (c *Client) Upload(ctx context.Context, filename, filterTag string) (*UploadResponse, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Stream the multipart body, so that large videos are not buffered in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadBody(mw, f, filepath.Base(filename), filterTag))
	}()

	if c.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.UploadTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.url("upload"), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := requests.DoJSON[UploadResponse](c.HTTP, req)
	// Unblock the writer goroutine if the request failed before consuming the body
	pr.Close()
	return resp, err
}

func writeUploadBody(mw *multipart.Writer, src io.Reader, name, filterTag string) error {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	if filterTag != "" {
		if err := mw.WriteField("filter", filterTag); err != nil {
			return err
		}
	}
	return mw.Close()
}

// History returns every uploaded video, newest first
func (c *Client) History(ctx context.Context) ([]HistoryItem, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url("historico"), nil)
	if err != nil {
		return nil, err
	}
	items, err := requests.DoJSON[[]HistoryItem](c.HTTP, req)
	if err != nil {
		return nil, err
	}
	return *items, nil
}

// Download fetches one video into dir, as {id}_{kind}{ext}, and returns the path of the new file.
// If dir is empty, DefaultScratchDir is used.
func (c *Client) Download(ctx context.Context, id, kind, dir string) (string, error) {
	if kind != KindOriginal && kind != KindProcessed {
		return "", fmt.Errorf("Invalid video kind '%v'. Must be '%v' or '%v'", kind, KindOriginal, KindProcessed)
	}
	if dir == "" {
		dir = DefaultScratchDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.url("video", id, kind), nil)
	if err != nil {
		return "", err
	}
	resp, err := requests.Do(c.HTTP, req)
	if err != nil {
		if requests.StatusCode(err) == http.StatusNotFound {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return "", err
	}
	defer resp.Body.Close()

	dst := filepath.Join(dir, id+"_"+kind+downloadExt(resp.Header.Get("Content-Disposition")))
	if _, err := iox.WriteStreamToFile(dst, resp.Body); err != nil {
		return "", err
	}
	return dst, nil
}

// downloadExt picks the file extension out of the server's Content-Disposition header.
// The server only ever emits sanitized extensions, but we strip any directory component anyway.
func downloadExt(contentDisposition string) string {
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err == nil {
		if ext := filepath.Ext(filepath.Base(params["filename"])); ext != "" {
			return ext
		}
	}
	return ".mp4"
}
