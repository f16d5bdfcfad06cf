package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	maxBodySize      = 64 << 10
	downloadFilename = "ai_sticker.png"
)

// StickerGenerator runs a complete generation for one request.
type StickerGenerator interface {
	Generate(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.Sticker, error)
}

// Defaults fills fields the caller left out.
type Defaults struct {
	Steps          int
	Size           domain.Size
	NegativePrompt string
}

type Handler struct {
	gen      StickerGenerator
	defaults Defaults
	log      zerolog.Logger
}

func NewHandler(gen StickerGenerator, defaults Defaults, log zerolog.Logger) *Handler {
	return &Handler{gen: gen, defaults: defaults, log: log}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, middleware.RealIP, Logger(h.log), middleware.Recoverer)

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			h.log.Error().Err(err).Msg("unable to write healthcheck")
		}
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/stickers", h.CreateSticker)
	})

	return r
}

// CreateSticker generates a sticker and returns it as a PNG download.
// Body: {"prompt": "...", "steps": 20, "size": "medium" | 768, "negative_prompt": ""}
// The caller's generation service token is taken from the Authorization header.
func (h *Handler) CreateSticker(w http.ResponseWriter, r *http.Request) {
	cred, ok := bearerToken(r)
	if !ok {
		h.writeError(w, r, domain.NewAuthError("create sticker", 0, "missing bearer token"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		h.writeError(w, r, domain.NewValidationError("create sticker", "unable to read body"))
		return
	}
	if len(body) > maxBodySize {
		h.writeError(w, r, domain.NewValidationError("create sticker", "request body too large"))
		return
	}
	if !gjson.ValidBytes(body) {
		h.writeError(w, r, domain.NewValidationError("create sticker", "invalid JSON"))
		return
	}

	req, err := h.parseRequest(gjson.ParseBytes(body))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sticker, err := h.gen.Generate(r.Context(), req, cred)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="`+downloadFilename+`"`)
	w.Header().Set("X-Prediction-Id", sticker.JobID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(sticker.Data); err != nil {
		h.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("unable to write sticker")
	}
}

func (h *Handler) parseRequest(doc gjson.Result) (domain.GenerationRequest, error) {
	const op = "parse request"

	prompt := doc.Get("prompt")
	if prompt.Exists() && prompt.Type != gjson.String {
		return domain.GenerationRequest{}, domain.NewValidationError(op, "prompt must be a string")
	}

	steps := h.defaults.Steps
	if v := doc.Get("steps"); v.Exists() {
		if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
			return domain.GenerationRequest{}, domain.NewValidationError(op, "steps must be an integer")
		}
		steps = int(v.Int())
	}

	size := h.defaults.Size
	if v := doc.Get("size"); v.Exists() {
		if v.Type != gjson.String && v.Type != gjson.Number {
			return domain.GenerationRequest{}, domain.NewValidationError(op, "size must be a label or a pixel size")
		}
		parsed, err := domain.ParseSize(v.String())
		if err != nil {
			return domain.GenerationRequest{}, err
		}
		size = parsed
	}

	req, err := domain.NewGenerationRequest(prompt.String(), steps, size)
	if err != nil {
		return domain.GenerationRequest{}, err
	}

	negative := h.defaults.NegativePrompt
	if v := doc.Get("negative_prompt"); v.Exists() {
		if v.Type != gjson.String {
			return domain.GenerationRequest{}, domain.NewValidationError(op, "negative_prompt must be a string")
		}
		negative = v.String()
	}
	return req.WithNegativePrompt(negative), nil
}

func bearerToken(r *http.Request) (domain.Credential, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return "", false
	}
	return domain.Credential(token), true
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindGeneration:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTransport, domain.KindArtifactFetch:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	kind := string(domain.KindOf(err))
	if kind == "" {
		kind = "internal"
	}

	message := err.Error()
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Detail != "" {
		message = derr.Detail
	}

	h.log.Warn().
		Err(err).
		Str("request_id", RequestIDFromContext(r.Context())).
		Int("status", code).
		Msg("sticker request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
