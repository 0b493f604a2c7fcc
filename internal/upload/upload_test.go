package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
)

var (
	pngData = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
	gifData = append([]byte("GIF89a"), bytes.Repeat([]byte{0}, 64)...)
	pdfData = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")
)

type memStore struct {
	objects map[string][]byte
	types   map[string]string
	fail    map[string]bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}, fail: map[string]bool{}}
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	for suffix := range m.fail {
		if strings.HasSuffix(key, suffix) {
			return "", errors.New("bucket unavailable")
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.objects[key] = data
	m.types[key] = contentType
	return "https://files.example.com/" + key, nil
}

func src(name string, data []byte) Source {
	return Source{
		Filename: name,
		Size:     int64(len(data)),
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func newProcessor(t *testing.T, store *memStore, limits Limits) (*Processor, string) {
	t.Helper()
	dir := t.TempDir()
	p := NewProcessor(store, limits, dir, nil)
	n := 0
	p.newID = func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
	return p, dir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be removed")
}

func TestProcessPartialSuccess(t *testing.T) {
	store := newMemStore()
	p, dir := newProcessor(t, store, Limits{})

	res, err := p.Process(context.Background(), []Source{
		src("site.png", pngData),
		src("anim.gif", gifData),
		src("invoice.pdf", pdfData),
	})
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 2)
	require.Len(t, res.Failed, 1)

	assert.Equal(t, "anim.gif", res.Failed[0].Filename)
	assert.Contains(t, res.Failed[0].Reason, "image/gif")
	assert.Equal(t, "image/png", res.Succeeded[0].ContentType)
	assert.Equal(t, "https://files.example.com/id1-site.png", res.Succeeded[0].URL)
	assert.Equal(t, int64(len(pdfData)), res.Succeeded[1].Size)
	assert.Equal(t, pdfData, store.objects["id2-invoice.pdf"])
	assertEmptyDir(t, dir)
}

func TestProcessSniffsContentNotName(t *testing.T) {
	p, _ := newProcessor(t, newMemStore(), Limits{})
	res, err := p.Process(context.Background(), []Source{
		src("renamed.png", gifData),
		src("photo.pdf", pngData),
	})
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, "photo.pdf", res.Succeeded[0].Filename)
	assert.Equal(t, "image/png", res.Succeeded[0].ContentType)
}

func TestProcessNoFiles(t *testing.T) {
	p, _ := newProcessor(t, newMemStore(), Limits{})
	_, err := p.Process(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrNoFiles)
}

func TestProcessTooManyFiles(t *testing.T) {
	p, _ := newProcessor(t, newMemStore(), Limits{})
	files := make([]Source, 6)
	for i := range files {
		files[i] = src(fmt.Sprintf("f%d.png", i), pngData)
	}
	_, err := p.Process(context.Background(), files)
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "files")
}

func TestProcessOversize(t *testing.T) {
	store := newMemStore()
	p, dir := newProcessor(t, store, Limits{MaxFileBytes: 1 << 20})
	big := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 1<<20)...)

	// Declared size over the limit is rejected without reading.
	_, err := p.Process(context.Background(), []Source{src("big.pdf", big)})
	var ufe domain.UploadFailedError
	require.ErrorAs(t, err, &ufe)
	assert.True(t, ufe.Rejected())
	assert.Contains(t, ufe.Result.Failed[0].Reason, "1 MB")

	// An understated size is caught while staging.
	lying := src("lying.pdf", big)
	lying.Size = 10
	_, err = p.Process(context.Background(), []Source{lying})
	require.ErrorAs(t, err, &ufe)
	assert.True(t, ufe.Rejected())
	assert.Empty(t, store.objects)
	assertEmptyDir(t, dir)
}

func TestProcessStoreFailureIsNotRejection(t *testing.T) {
	store := newMemStore()
	store.fail["a.png"] = true
	p, dir := newProcessor(t, store, Limits{})

	_, err := p.Process(context.Background(), []Source{src("a.png", pngData)})
	var ufe domain.UploadFailedError
	require.ErrorAs(t, err, &ufe)
	assert.False(t, ufe.Rejected())
	assert.Equal(t, "could not store file", ufe.Result.Failed[0].Reason)
	assertEmptyDir(t, dir)
}

func TestProcessOpenFailure(t *testing.T) {
	p, dir := newProcessor(t, newMemStore(), Limits{})
	broken := Source{Filename: "x.png", Size: 3, Open: func() (io.ReadCloser, error) {
		return nil, errors.New("gone")
	}}
	res, err := p.Process(context.Background(), []Source{broken, src("ok.txt", []byte("plain notes"))})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Rejected)
	assertEmptyDir(t, dir)
}

func TestFromMultipart(t *testing.T) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, name := range []string{"a.png", "b.pdf"} {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(pngData)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&body, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	defer form.RemoveAll()

	sources := FromMultipart(form.File["files"])
	require.Len(t, sources, 2)
	assert.Equal(t, "b.pdf", sources[1].Filename)
	rc, err := sources[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngData, data)
}
