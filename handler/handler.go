package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lokvaani/internal/breaker"
	"lokvaani/internal/domain"
	"lokvaani/internal/observe"
	"lokvaani/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// maxBodyBytes bounds request bodies; audio arrives base64 encoded.
const maxBodyBytes = 16 << 20

// Service is what the handler needs from the use-case layer.
// *usecase.TurnService implements it.
type Service interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnResult, error)
	CreateSession(ctx context.Context, device domain.DeviceInfo) (domain.Session, error)
	GetContext(ctx context.Context, sessionID string) (domain.ConversationContext, error)
	SetPreference(ctx context.Context, sessionID string, language *string, modality *domain.Modality) (domain.Session, error)
	SetAccessibility(ctx context.Context, sessionID string, a domain.AccessibilitySettings) (domain.Session, error)
	KeepAlive(ctx context.Context, sessionID string) (domain.Session, error)
	ResetContext(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
	Health() []breaker.Health
}

// Handler adapts API Gateway proxy events to the Service.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

func NewHandler(svc Service, logger *slog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = observe.Discard()
	}
	return &Handler{svc: svc, logger: logger}, nil
}

type errorResponse struct {
	Error              string   `json:"error"`
	Reason             string   `json:"reason,omitempty"`
	SupportedLanguages []string `json:"supportedLanguages,omitempty"`
	RetryAfterSeconds  int      `json:"retryAfterSeconds,omitempty"`
	Dependency         string   `json:"dependency,omitempty"`
}

// Handle routes one request. Failures are always returned as HTTP
// responses; the error result is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlationId", corrID, "method", req.HTTPMethod, "path", req.Path)

	resp := h.route(ctx, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID

	level := slog.LevelInfo
	if resp.StatusCode >= 500 {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "request handled", "status", resp.StatusCode, "latencyMs", time.Since(start).Milliseconds())
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	method := req.HTTPMethod

	switch {
	case len(parts) == 1 && parts[0] == "turns":
		if method != http.MethodPost {
			return methodNotAllowed(http.MethodPost)
		}
		return h.turn(ctx, req)
	case len(parts) == 1 && parts[0] == "health":
		if method != http.MethodGet {
			return methodNotAllowed(http.MethodGet)
		}
		return h.health()
	case len(parts) == 1 && parts[0] == "sessions":
		if method != http.MethodPost {
			return methodNotAllowed(http.MethodPost)
		}
		return h.createSession(ctx, req)
	case len(parts) == 2 && parts[0] == "sessions":
		if method != http.MethodDelete {
			return methodNotAllowed(http.MethodDelete)
		}
		if err := h.svc.EndSession(ctx, parts[1]); err != nil {
			return errorResult(err)
		}
		return noContent()
	case len(parts) == 3 && parts[0] == "sessions":
		return h.sessionResource(ctx, req, parts[1], parts[2])
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"})
}

func (h *Handler) sessionResource(ctx context.Context, req events.APIGatewayProxyRequest, id, resource string) events.APIGatewayProxyResponse {
	method := req.HTTPMethod
	switch resource {
	case "context":
		switch method {
		case http.MethodGet:
			cc, err := h.svc.GetContext(ctx, id)
			if err != nil {
				return errorResult(err)
			}
			return jsonResponse(http.StatusOK, toContextResponse(id, cc))
		case http.MethodDelete:
			if err := h.svc.ResetContext(ctx, id); err != nil {
				return errorResult(err)
			}
			return noContent()
		}
		return methodNotAllowed(http.MethodGet, http.MethodDelete)

	case "preferences":
		if method != http.MethodPut {
			return methodNotAllowed(http.MethodPut)
		}
		var body preferencesRequest
		if resp, ok := decodeBody(req, &body); !ok {
			return resp
		}
		sess, err := h.svc.SetPreference(ctx, id, body.Language, body.Modality)
		if err != nil {
			return errorResult(err)
		}
		return jsonResponse(http.StatusOK, toSessionResponse(sess))

	case "accessibility":
		if method != http.MethodPut {
			return methodNotAllowed(http.MethodPut)
		}
		var body domain.AccessibilitySettings
		if resp, ok := decodeBody(req, &body); !ok {
			return resp
		}
		sess, err := h.svc.SetAccessibility(ctx, id, body)
		if err != nil {
			return errorResult(err)
		}
		return jsonResponse(http.StatusOK, toSessionResponse(sess))

	case "keepalive":
		if method != http.MethodPost {
			return methodNotAllowed(http.MethodPost)
		}
		sess, err := h.svc.KeepAlive(ctx, id)
		if err != nil {
			return errorResult(err)
		}
		return jsonResponse(http.StatusOK, toSessionResponse(sess))
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "unknown_route"})
}

func (h *Handler) createSession(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body createSessionRequest
	if strings.TrimSpace(req.Body) != "" {
		if resp, ok := decodeBody(req, &body); !ok {
			return resp
		}
	}
	sess, err := h.svc.CreateSession(ctx, body.Device)
	if err != nil {
		return errorResult(err)
	}
	return jsonResponse(http.StatusCreated, toSessionResponse(sess))
}

func (h *Handler) turn(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body turnRequest
	if resp, ok := decodeBody(req, &body); !ok {
		return resp
	}
	res, err := h.svc.HandleTurn(ctx, usecase.TurnInput{
		SessionID:       body.SessionID,
		CreateIfMissing: body.CreateIfMissing,
		Device:          body.Device,
		Text:            body.Text,
		Audio:           body.Audio,
		AudioFormat:     body.AudioFormat,
		Language:        body.Language,
		Modality:        body.Modality,
		WantAudio:       body.WantAudio,
		MaxLength:       body.MaxLength,
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResponse(http.StatusOK, toTurnResponse(res))
}

func (h *Handler) health() events.APIGatewayProxyResponse {
	deps := h.svc.Health()
	status := "ok"
	for _, d := range deps {
		if d.State != breaker.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	if deps == nil {
		deps = []breaker.Health{}
	}
	return jsonResponse(http.StatusOK, healthResponse{Status: status, Dependencies: deps})
}

func decodeBody(req events.APIGatewayProxyRequest, v any) (events.APIGatewayProxyResponse, bool) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return invalidBody("invalid_base64_body"), false
		}
		raw = decoded
	}
	if len(raw) > maxBodyBytes {
		return jsonResponse(http.StatusRequestEntityTooLarge, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "body_too_large"}), false
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidBody("invalid_json_body"), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func invalidBody(reason string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: reason})
}

func errorResult(err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected_error"})
	}
	body := errorResponse{
		Error:              string(ue.Code),
		Reason:             ue.Reason,
		SupportedLanguages: ue.Supported,
		Dependency:         ue.Dependency,
	}
	status := statusFor(ue.Code)
	retryable := status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
	if retryable {
		body.RetryAfterSeconds = retryAfterSeconds(ue.RetryAfter)
	}
	resp := jsonResponse(status, body)
	if retryable {
		resp.Headers["Retry-After"] = strconv.Itoa(body.RetryAfterSeconds)
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorSessionRequired:
		return http.StatusBadRequest
	case usecase.ErrorUnsupportedLanguage, usecase.ErrorLowConfidence:
		return http.StatusUnprocessableEntity
	case usecase.ErrorSessionNotFound:
		return http.StatusNotFound
	case usecase.ErrorSessionBusy:
		return http.StatusConflict
	case usecase.ErrorAdmissionRejected:
		return http.StatusTooManyRequests
	case usecase.ErrorDependencyUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds rounds up and never advertises less than a second.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func methodNotAllowed(allowed ...string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	resp.Headers["Allow"] = strings.Join(allowed, ", ")
	return resp
}

func noContent() events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent, Headers: map[string]string{}}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
