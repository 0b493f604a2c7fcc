package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Upload.TempDir = t.TempDir()
	return cfg
}

func TestBuildDefaultServesHealth(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.Handler)
	defer srv.Close()
	res, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "general", a.Registry.Config("nope").Key)
}

func TestBuildRoutesContactToSendGrid(t *testing.T) {
	var calls atomic.Int32
	var body string
	sg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sg.Close()

	cfg := testConfig(t)
	cfg.Email.Provider = "sendgrid"
	cfg.Email.SendGrid.APIKey = "SG.test"
	cfg.Email.SendGrid.Host = sg.URL
	cfg.Email.From = "leads@example.com"
	cfg.Email.To = []string{"sales@example.com"}
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.Handler)
	defer srv.Close()
	res, err := http.Post(srv.URL+"/api/contact", "application/json",
		strings.NewReader(`{"name":"Pat Doe","email":"pat@example.com","message":"Need a bin"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, http.StatusOK, res.StatusCode, out)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, body, "sales@example.com")
	assert.Contains(t, body, "Pat Doe")
}

func TestBuildTargetOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = map[string]string{"demolition": "storage"}
	reg, err := LoadRegistry(cfg)
	require.NoError(t, err)
	assert.Equal(t, "storage", reg.Config("demolition").SubmissionTarget)
}

func TestBuildRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limiter.Backend = "redis"
	cfg.Limiter.Redis.Addr = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "redis limiter")
}
