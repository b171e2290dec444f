package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/pkg/videox"
	"github.com/cyclopcam/vidfilter/server/catalog"
	"github.com/cyclopcam/vidfilter/server/ingest"
	"github.com/cyclopcam/vidfilter/server/storage"
	"github.com/cyclopcam/vidfilter/server/storagecache"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	media   *MediaServer
	store   *storage.StorageFS
	catalog *catalog.Catalog
	server  *httptest.Server
}

func setup(t *testing.T, useCache bool) *testEnv {
	t.Helper()
	log := logs.NewTestingLog(t)
	root := t.TempDir()
	store, err := storage.NewStorageFS(log, filepath.Join(root, "media"))
	require.NoError(t, err)
	cat, err := catalog.Open(log, dbh.MakeSqliteConfig(filepath.Join(root, "catalog.sqlite")))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	pipeline, err := ingest.NewPipeline(log, videox.RawCodec{}, store, cat, filepath.Join(root, "tmp"))
	require.NoError(t, err)

	// Every ingest happens one second after the previous one
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pipeline.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var cache *storagecache.StorageCache
	if useCache {
		cache, err = storagecache.NewStorageCache(log, store, filepath.Join(root, "cache"), 1024*1024)
		require.NoError(t, err)
	}
	m := NewMediaServer(log, cat, store, cache, pipeline)

	router := httprouter.New()
	www.Handle(log, router, "POST", "/upload", m.HttpUpload)
	www.Handle(log, router, "GET", "/historico", m.HttpHistory)
	www.Handle(log, router, "GET", "/video/:id/:kind", m.HttpGetVideo)
	www.Handle(log, router, "GET", "/thumbnail/:id", m.HttpThumbnail)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{
		media:   m,
		store:   store,
		catalog: cat,
		server:  server,
	}
}

func makeRawVideo(t *testing.T, nFrames, width, height int) []byte {
	t.Helper()
	frames := []*cimg.Image{}
	for i := 0; i < nFrames; i++ {
		img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
		for j := range img.Pixels {
			img.Pixels[j] = uint8(j*7 + i)
		}
		frames = append(frames, img)
	}
	fn := filepath.Join(t.TempDir(), "src.raw")
	require.NoError(t, videox.WriteRawVideo(fn, 30, frames))
	b, err := os.ReadFile(fn)
	require.NoError(t, err)
	return b
}

// If filename is empty, no file part is sent. If filterTag is empty, no filter field is sent.
func (e *testEnv) upload(t *testing.T, filename string, content []byte, filterTag string) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if filename != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%v"`, filename))
		h.Set("Content-Type", "video/mp4")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		part.Write(content)
	}
	if filterTag != "" {
		require.NoError(t, mw.WriteField("filter", filterTag))
	}
	require.NoError(t, mw.Close())
	resp, err := http.Post(e.server.URL+"/upload", mw.FormDataContentType(), body)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) uploadOK(t *testing.T, filename string, content []byte, filterTag string) UploadResponse {
	t.Helper()
	resp := e.upload(t, filename, content, filterTag)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	r := UploadResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	require.NotEmpty(t, r.ID)
	return r
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestUploadAndFetch(t *testing.T) {
	for _, useCache := range []bool{false, true} {
		env := setup(t, useCache)
		src := makeRawVideo(t, 10, 32, 24)
		up := env.uploadOK(t, "clip.mp4", src, "canny")
		require.Equal(t, "canny", up.Filter)
		require.Equal(t, "Video processed successfully", up.Message)

		rec, err := env.catalog.Get(up.ID)
		require.NoError(t, err)

		resp, body := env.get(t, "/video/"+up.ID+"/original")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, src, body)
		require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
		require.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
		require.Contains(t, resp.Header.Get("Content-Disposition"), up.ID+"_original.mp4")

		// Last-Modified is the time the file was written to storage, not the catalog timestamp
		stored, err := env.store.ReadFile(rec.PathOriginal)
		require.NoError(t, err)
		stored.Reader.Close()
		lastModified, err := http.ParseTime(resp.Header.Get("Last-Modified"))
		require.NoError(t, err)
		require.True(t, lastModified.Equal(stored.ModifiedAt.UTC().Truncate(time.Second)))
		require.False(t, lastModified.Equal(rec.CreatedAt.Truncate(time.Second)))

		processed, err := storage.ReadFile(env.store, rec.PathProcessed)
		require.NoError(t, err)
		resp, body = env.get(t, "/video/"+up.ID+"/processed")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, len(processed), len(body))
		require.Contains(t, resp.Header.Get("Content-Disposition"), up.ID+"_processed.mp4")

		// Range requests work, because we serve from a seekable reader
		req, _ := http.NewRequest("GET", env.server.URL+"/video/"+up.ID+"/original", nil)
		req.Header.Set("Range", "bytes=0-7")
		rresp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		rbody, _ := io.ReadAll(rresp.Body)
		rresp.Body.Close()
		require.Equal(t, http.StatusPartialContent, rresp.StatusCode)
		require.Equal(t, videox.RawMagic, string(rbody))

		resp, body = env.get(t, "/thumbnail/"+up.ID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
		require.True(t, len(body) > 2 && body[0] == 0xff && body[1] == 0xd8)
	}
}

func TestUploadDefaultFilter(t *testing.T) {
	env := setup(t, false)
	up := env.uploadOK(t, "clip.mp4", makeRawVideo(t, 2, 8, 8), "")
	require.Equal(t, "grayscale", up.Filter)
}

func TestUploadMissingFile(t *testing.T) {
	env := setup(t, false)
	resp := env.upload(t, "", nil, "grayscale")
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Not a multipart request at all
	resp, err := http.Post(env.server.URL+"/upload", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	n, err := env.catalog.Count()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestUploadTooLarge(t *testing.T) {
	env := setup(t, false)
	env.media.MaxUploadBytes = 1000
	resp := env.upload(t, "clip.mp4", make([]byte, 5000), "grayscale")
	resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUnknownFilterPolicy(t *testing.T) {
	env := setup(t, false)
	src := makeRawVideo(t, 2, 8, 8)
	up := env.uploadOK(t, "clip.mp4", src, "unknown_filter_xyz")
	require.Equal(t, "unknown_filter_xyz", up.Filter)

	env.media.RejectUnknownFilter = true
	resp := env.upload(t, "clip.mp4", src, "unknown_filter_xyz")
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env.uploadOK(t, "clip.mp4", src, "pixel")

	// A tag with surrounding whitespace is not a known filter
	resp = env.upload(t, "clip.mp4", src, " canny")
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.media.RejectUnknownFilter = false
	up = env.uploadOK(t, "clip.mp4", src, " canny")
	require.Equal(t, " canny", up.Filter)
	rec, err := env.catalog.Get(up.ID)
	require.NoError(t, err)
	require.Equal(t, " canny", rec.Filter)
	require.Contains(t, rec.PathProcessed, "/processed/passthrough/")
}

func TestHistoryNewestFirst(t *testing.T) {
	env := setup(t, false)
	resp, body := env.get(t, "/historico")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "[]", string(body))

	src := makeRawVideo(t, 1, 8, 8)
	first := env.uploadOK(t, "first.mp4", src, "grayscale")
	second := env.uploadOK(t, "second.mp4", src, "pixel")

	resp, body = env.get(t, "/historico")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := []catalog.HistoryItem{}
	require.NoError(t, json.Unmarshal(body, &items))
	require.Equal(t, 2, len(items))
	require.Equal(t, second.ID, items[0].ID)
	require.Equal(t, "second.mp4", items[0].OriginalName)
	require.Equal(t, "pixel", items[0].Filter)
	require.Equal(t, first.ID, items[1].ID)
	require.True(t, items[0].CreatedAt.After(items[1].CreatedAt))

	// Only the history fields are exposed
	raw := []map[string]any{}
	require.NoError(t, json.Unmarshal(body, &raw))
	require.Equal(t, 4, len(raw[0]))
}

func TestFetchErrors(t *testing.T) {
	env := setup(t, false)
	up := env.uploadOK(t, "clip.mp4", makeRawVideo(t, 1, 8, 8), "grayscale")

	resp, _ := env.get(t, "/video/00000000-0000-0000-0000-000000000000/original")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown ID is checked before the kind
	resp, _ = env.get(t, "/video/00000000-0000-0000-0000-000000000000/bogus")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/video/"+up.ID+"/bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Catalog row exists, but the file is gone
	rec, err := env.catalog.Get(up.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.DeleteFile(rec.PathProcessed))
	resp, _ = env.get(t, "/video/"+up.ID+"/processed")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/thumbnail/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnreadableUpload(t *testing.T) {
	env := setup(t, false)
	up := env.uploadOK(t, "notes.mp4", []byte("definitely not a video"), "canny")
	resp, body := env.get(t, "/video/"+up.ID+"/processed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, len(body))
	resp, _ = env.get(t, "/thumbnail/"+up.ID)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
