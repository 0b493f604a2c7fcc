package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"leadline/internal/domain"
	"leadline/internal/gateway"
	"leadline/internal/metrics"
	"leadline/internal/schema"
	"leadline/internal/storage"
	"leadline/internal/upload"
)

const (
	defaultMaxUploadBytes = 50 << 20
	multipartMemory       = 8 << 20
	dispatchFailedMessage = "we could not deliver your request, please try again"
)

// Config for the HTTP API handler.
type Config struct {
	BasePath       string
	CORSOrigins    []string
	TrustProxy     bool
	MaxUploadBytes int64
	HoneypotField  string

	Registry *schema.Registry
	Contact  *gateway.Gateway
	Schedule *gateway.Gateway
	Quote    *gateway.Gateway
	Upload   *gateway.UploadGateway
	// Files serves locally stored uploads; nil when uploads go to S3.
	Files   *storage.Local
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"please correct the highlighted fields"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"zip\":\"Please enter a 5-digit ZIP code.\"}}"`
}

type clientAddrKey struct{}

// apiError models the error envelope shared by every route.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// GetHeaders lets huma copy headers such as Retry-After onto the response.
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the lead submission API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.HoneypotField == "" {
		cfg.HoneypotField = gateway.DefaultHoneypotField
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if cfg.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(clientAddrMiddleware)
	router.Use(requestLogger(cfg.Logger, cfg.Metrics))
	router.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		}).Handler)
	}
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, newAPIError(http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("%s is not allowed here", r.Method), nil))
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
	})

	hcfg := huma.DefaultConfig("Leadline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRequestTypes(group, cfg.Registry)
	registerSubmission(group, "submit-contact", "/contact", "Contact form", cfg.Contact)
	registerSubmission(group, "submit-schedule-pickup", "/schedule-pickup", "Schedule a pickup", cfg.Schedule)
	registerSubmission(group, "submit-quote", "/quote", "Request a quote", cfg.Quote)
	registerUpload(router, basePath, cfg)
	registerFiles(router, cfg.Files)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	registerOpenAPI(router, api, basePath)
	registerDocs(router, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", "please correct the highlighted fields", map[string]any{"fields": ve.Fields})
	}
	var rle domain.RateLimitError
	if errors.As(err, &rle) {
		se := newAPIError(http.StatusTooManyRequests, "rate_limited", rle.Error(), nil).(*apiError)
		se.headers = http.Header{"Retry-After": {strconv.Itoa(retryAfterSeconds(rle.RetryAfter))}}
		return se
	}
	var de domain.DispatchError
	if errors.As(err, &de) {
		return newAPIError(http.StatusInternalServerError, "dispatch_failed", dispatchFailedMessage, nil)
	}
	var ufe domain.UploadFailedError
	if errors.As(err, &ufe) {
		details := map[string]any{"failed": ufe.Result.Failed}
		if ufe.Rejected() {
			return newAPIError(http.StatusBadRequest, "upload_rejected", "none of the files were accepted", details)
		}
		return newAPIError(http.StatusInternalServerError, "upload_failed", "we could not store your files, please try again", details)
	}
	if errors.Is(err, domain.ErrNoFiles) {
		return newAPIError(http.StatusBadRequest, "no_files", "no files provided", nil)
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// retryAfterSeconds rounds up so clients never retry before the window ends.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeAPIError(w http.ResponseWriter, se huma.StatusError) {
	if he, ok := se.(huma.HeadersError); ok {
		for k, values := range he.GetHeaders() {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
	}
	writeJSON(w, se.GetStatus(), se)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientAddrMiddleware records the caller's address, without port, for rate
// limiting and logs.
func clientAddrMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientAddrKey{}, addr)))
	})
}

func clientAddr(ctx context.Context) string {
	addr, _ := ctx.Value(clientAddrKey{}).(string)
	return addr
}

func requestLogger(logger *zap.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if m != nil {
					m.RecordHTTP(r.Method, status)
				}
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("client_addr", clientAddr(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRequestTypes(api huma.API, reg *schema.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-request-types",
		Method:      http.MethodGet,
		Path:        "/request-types",
		Summary:     "List request types with their wizard steps",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RequestTypeListResponse `json:"body"`
	}, error) {
		keys := reg.Keys()
		items := make([]RequestTypeResponse, 0, len(keys))
		for _, key := range keys {
			items = append(items, mapRequestType(reg, reg.Config(key)))
		}
		return &struct {
			Body RequestTypeListResponse `json:"body"`
		}{Body: RequestTypeListResponse{Items: items}}, nil
	})

	type keyPath struct {
		Key string `path:"key"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-request-type",
		Method:      http.MethodGet,
		Path:        "/request-types/{key}",
		Summary:     "Get a request type; unknown keys return the fallback",
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body RequestTypeResponse `json:"body"`
	}, error) {
		return &struct {
			Body RequestTypeResponse `json:"body"`
		}{Body: mapRequestType(reg, reg.Config(input.Key))}, nil
	})
}

type submissionInput struct {
	Body map[string]any
}

func registerSubmission(api huma.API, id, route, summary string, gw *gateway.Gateway) {
	if gw == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID:   id,
		Method:        http.MethodPost,
		Path:          route,
		Summary:       summary,
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *submissionInput) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		out, err := gw.Submit(ctx, gateway.Submission{
			ClientAddr: clientAddr(ctx),
			Values:     input.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{OK: true, ID: out.ID}}, nil
	})
}

func registerUpload(r chi.Router, basePath string, cfg Config) {
	if cfg.Upload == nil {
		return
	}
	r.Post(path.Join(basePath, "upload"), func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeAPIError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "upload too large", nil))
				return
			}
			writeAPIError(w, newAPIError(http.StatusBadRequest, "", "expected a multipart form with files", nil))
			return
		}
		defer r.MultipartForm.RemoveAll()

		res, err := cfg.Upload.Submit(r.Context(), gateway.UploadSubmission{
			ClientAddr: clientAddr(r.Context()),
			Honeypot:   r.FormValue(cfg.HoneypotField),
			Files:      upload.FromMultipart(r.MultipartForm.File["files"]),
		})
		if err != nil {
			writeAPIError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusOK, UploadResponse{OK: true, Succeeded: res.Succeeded, Failed: res.Failed})
	})
}

func registerFiles(r chi.Router, files *storage.Local) {
	if files == nil {
		return
	}
	r.Get("/files/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := files.Verify(key, r.URL.Query().Get("token")); err != nil {
			writeAPIError(w, newAPIError(http.StatusForbidden, "forbidden", "link expired or invalid", nil))
			return
		}
		f, err := files.Open(key)
		if err != nil {
			writeAPIError(w, newAPIError(http.StatusNotFound, "", "not found", nil))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeAPIError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(key))
		http.ServeContent(w, r, key, info.ModTime(), f)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { spec, _ = json.Marshal(api.OpenAPI()) })
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
