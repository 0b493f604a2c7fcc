package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/gateway"
	"leadline/internal/metrics"
	"leadline/internal/ratelimit"
	"leadline/internal/schema"
	"leadline/internal/storage"
	"leadline/internal/upload"
)

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []domain.SubmissionRequest
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, req domain.SubmissionRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.reqs = append(n.reqs, req)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reqs)
}

type testServer struct {
	URL    string
	client *http.Client
	email  *recordingNotifier
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	reg, err := schema.Default()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	email := &recordingNotifier{}
	router := dispatch.NewRouter(nil).
		Handle(domain.TargetEmail, email).
		Handle(domain.TargetLog, &recordingNotifier{})
	collector := metrics.NewCollector()
	deps := gateway.Deps{
		Limiter:  ratelimit.NewMemory(time.Minute),
		Registry: reg,
		Router:   router,
		Metrics:  collector,
	}
	budget := func(points int, window time.Duration) ratelimit.Budget {
		return ratelimit.Budget{Points: points, Window: window}
	}
	files, err := storage.NewLocal(t.TempDir(), "", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	proc := upload.NewProcessor(files, upload.Limits{}, t.TempDir(), nil)

	handler, err := New(Config{
		BasePath: "/api",
		Registry: reg,
		Contact:  gateway.New(gateway.Options{Endpoint: domain.EndpointContact, FixedType: "contact", Budget: budget(10, time.Minute)}, deps),
		Schedule: gateway.New(gateway.Options{Endpoint: domain.EndpointSchedule, FixedType: "schedule-pickup", Budget: budget(5, time.Minute)}, deps),
		Quote:    gateway.New(gateway.Options{Endpoint: domain.EndpointQuote, Budget: budget(10, time.Minute)}, deps),
		Upload:   gateway.NewUpload(gateway.Options{Budget: budget(20, 15*time.Minute)}, deps, proc),
		Files:    files,
		Metrics:  collector,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		email:  email,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(t, client, req)
}

func send(t *testing.T, client *http.Client, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env
}

func TestContactSubmit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{
		"name":    "Pat Doe",
		"email":   "pat@example.com",
		"message": "Need a 20 yard bin",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contact status %d: %s", res.StatusCode, string(data))
	}
	var out SubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.OK || out.ID == "" {
		t.Fatalf("unexpected response %+v", out)
	}
	if srv.email.count() != 1 {
		t.Fatalf("expected one dispatched email, got %d", srv.email.count())
	}
	if got := srv.email.reqs[0].ClientAddr(); got != "127.0.0.1" {
		t.Fatalf("client addr %q", got)
	}
}

func TestContactValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{
		"name": "", "email": "a@b.com", "message": "hi",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code %q", env.Error.Code)
	}
	fields, _ := env.Error.Details["fields"].(map[string]any)
	if len(fields) != 1 || fields["name"] != "Full name is required." {
		t.Fatalf("unexpected fields %v", fields)
	}
	if srv.email.count() != 0 {
		t.Fatalf("invalid submission must not dispatch")
	}
}

func TestContactRejectsObjectForText(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{
		"name": map[string]any{"x": "<script>alert(1)</script>"}, "email": "pat@example.com", "message": "hi",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	fields, _ := decodeError(t, data).Error.Details["fields"].(map[string]any)
	if len(fields) != 1 || fields["name"] != "Full name must be text." {
		t.Fatalf("unexpected fields %v", fields)
	}
	if srv.email.count() != 0 {
		t.Fatalf("rejected submission must not dispatch")
	}
}

func TestScheduleZipPattern(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/schedule-pickup", map[string]any{
		"name": "Pat", "email": "pat@example.com", "phone": "903-555-0100",
		"address": "1 Main", "city": "Tyler", "state": "TX", "zip": "7570",
		"pickup_date": "2026-11-02", "materials": "Copper",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	fields, _ := decodeError(t, data).Error.Details["fields"].(map[string]any)
	if fields["zip"] != "Please enter a 5-digit ZIP code." || len(fields) != 1 {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestScheduleRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/schedule-pickup", map[string]any{}, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/schedule-pickup", map[string]any{}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "rate_limited" || env.Error.Message != "too many requests" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(env.Error.Details) != 0 {
		t.Fatalf("rate limit envelope must carry no details, got %v", env.Error.Details)
	}
	if got := res.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After %q", got)
	}

	// Other endpoints keep their own budget.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("contact should not be limited, got %d", res.StatusCode)
	}
}

func TestUploadRateLimitedSetsRetryAfter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var res *http.Response
	var data []byte
	for i := 0; i < 21; i++ {
		res, data = send(t, srv.Client(), multipartRequest(t, srv.URL+"/api/upload", nil, map[string]string{"note": "x"}))
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestHoneypotLooksLikeSuccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{
		"name": "Bot", "email": "bot@example.com", "message": "hi",
		"company_website": "http://spam.example",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var out SubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.OK || out.ID == "" {
		t.Fatalf("suppressed response must match success, got %s", string(data))
	}
	if srv.email.count() != 0 {
		t.Fatalf("honeypot submission was dispatched")
	}
}

func TestQuoteUnknownTypeUsesFallback(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/quote", map[string]any{
		"request_type": "space-junk",
		"name":         "Pat",
		"email":        "pat@example.com",
		"phone":        "9035550100",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	if srv.email.count() != 1 || srv.email.reqs[0].RequestType() != "general" {
		t.Fatalf("expected fallback dispatch to email")
	}
}

func TestDispatchFailureIsGeneric(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.email.err = errors.New("smtp: 554 relay denied for internal-host.local")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{
		"name": "Pat", "email": "pat@example.com", "message": "hi",
	}, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "dispatch_failed" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if strings.Contains(string(data), "relay denied") {
		t.Fatalf("cause leaked to client: %s", string(data))
	}
}

func TestSubmissionRoutesRejectOtherMethods(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, route := range []string{"/api/contact", "/api/schedule-pickup", "/api/quote", "/api/upload"} {
		for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
			res, data := doJSON(t, srv.Client(), method, srv.URL+route, nil, nil)
			if res.StatusCode != http.StatusMethodNotAllowed {
				t.Fatalf("%s %s: expected 405, got %d", method, route, res.StatusCode)
			}
			if decodeError(t, data).Error.Code != "method_not_allowed" {
				t.Fatalf("%s %s: unexpected body %s", method, route, string(data))
			}
		}
	}
}

func TestMalformedJSON(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/contact", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if decodeError(t, data).Error.Code == "" {
		t.Fatalf("expected envelope, got %s", string(data))
	}
}

var (
	pngData = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)
	gifData = append([]byte("GIF89a"), bytes.Repeat([]byte{0}, 32)...)
)

func multipartRequest(t *testing.T, url string, files map[string][]byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadPartialSuccessAndDownload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := multipartRequest(t, srv.URL+"/api/upload", map[string][]byte{
		"site.png":  pngData,
		"notes.txt": []byte("gate code 4411"),
		"anim.gif":  gifData,
	}, nil)
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var out UploadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Succeeded) != 2 || len(out.Failed) != 1 || out.Failed[0].Filename != "anim.gif" {
		t.Fatalf("unexpected result %s", string(data))
	}

	var notes domain.UploadedFile
	for _, f := range out.Succeeded {
		if f.Filename == "notes.txt" {
			notes = f
		}
	}
	getRes, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+notes.URL, nil, nil)
	if getRes.StatusCode != http.StatusOK || string(body) != "gate code 4411" {
		t.Fatalf("download status %d: %s", getRes.StatusCode, string(body))
	}
	tampered := strings.Replace(notes.URL, "token=", "token=x", 1)
	getRes, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+tampered, nil, nil)
	if getRes.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered token: expected 403, got %d", getRes.StatusCode)
	}
}

func TestUploadErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := send(t, srv.Client(), multipartRequest(t, srv.URL+"/api/upload", nil, map[string]string{"note": "x"}))
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Error.Code != "no_files" {
		t.Fatalf("no files: %d %s", res.StatusCode, string(data))
	}

	res, data = send(t, srv.Client(), multipartRequest(t, srv.URL+"/api/upload", map[string][]byte{"anim.gif": gifData}, nil))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("rejected: expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "upload_rejected" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if failed, _ := env.Error.Details["failed"].([]any); len(failed) != 1 {
		t.Fatalf("expected failed details, got %v", env.Error.Details)
	}

	six := map[string][]byte{}
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png"} {
		six[name] = pngData
	}
	res, data = send(t, srv.Client(), multipartRequest(t, srv.URL+"/api/upload", six, nil))
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Error.Code != "validation_failed" {
		t.Fatalf("six files: %d %s", res.StatusCode, string(data))
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/upload", strings.NewReader(`{"files":[]}`))
	req.Header.Set("Content-Type", "application/json")
	res, _ = send(t, srv.Client(), req)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-multipart: expected 400, got %d", res.StatusCode)
	}
}

func TestRequestTypes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/request-types", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list RequestTypeListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Items) != 8 || list.Items[0].Key != "general" || !list.Items[0].Fallback {
		t.Fatalf("unexpected listing %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/request-types/space-junk", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var rt RequestTypeResponse
	if err := json.Unmarshal(data, &rt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rt.Key != "general" {
		t.Fatalf("expected fallback, got %s", rt.Key)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/request-types/schedule-pickup", nil, nil)
	if err := json.Unmarshal(data, &rt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rt.Steps) != 3 || rt.Steps[1].Fields[3].ID != "zip" || rt.Steps[1].Fields[3].Pattern != `^\d{5}(-\d{4})?$` {
		t.Fatalf("unexpected schedule config %s", string(data))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/contact", map[string]any{}, nil)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `leadline_submissions_total{endpoint="contact",outcome="invalid"} 1`) {
		t.Fatalf("missing submission metric:\n%s", string(data))
	}
}
