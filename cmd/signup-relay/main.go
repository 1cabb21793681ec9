// Package main is the entry point for the Signup Relay Lambda function.
//
// The relay sits behind API Gateway and turns an authenticated
// POST {"userID": "U..."} into a message on the trigger queue, which the bot
// consumes and welcomes. It lets signup forms start onboarding without
// reaching the bot directly.
//
// Cold start:
//  1. Initialize structured logger.
//  2. Read TRIGGER_QUEUE_URL and TRIGGER_API_TOKEN_HASH.
//  3. Load AWS SDK configuration and build the SQS client.
//  4. Register the handler and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"bagbot/internal/core"
	"bagbot/internal/queue"
	"bagbot/internal/types"
)

// Publisher enqueues onboarding triggers. *queue.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, userID string, source types.TriggerSource) error
}

// relayRequest is the accepted request body.
type relayRequest struct {
	UserID string `json:"userID" validate:"required,slackid"`
}

// Handler processes API Gateway proxy requests.
type Handler struct {
	publisher     Publisher
	authenticator core.Authenticator
	validator     *core.Validator
	logger        *slog.Logger
}

// Handle validates the bearer token and body, then publishes the trigger.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := req.RequestContext.RequestID
	ctx = types.WithRequestID(ctx, requestID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return h.errorResponse(requestID, types.NewAppError(types.ErrCodeNotFoundRoute, "only POST is supported", nil)), nil
	}

	token := bearerToken(req.Headers)
	if token == "" {
		return h.errorResponse(requestID, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil)), nil
	}
	if err := h.authenticator.Authenticate(ctx, token); err != nil {
		h.logger.WarnContext(ctx, "relay authentication failed", "request_id", requestID)
		return h.errorResponse(requestID, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", err)), nil
	}

	var body relayRequest
	dec := json.NewDecoder(strings.NewReader(req.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return h.errorResponse(requestID, types.NewAppError("validation_invalid_json", "invalid JSON in request body", err)), nil
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		return h.errorResponse(requestID, err), nil
	}

	if err := h.publisher.Publish(ctx, body.UserID, types.TriggerSourceHTTP); err != nil {
		h.logger.ErrorContext(ctx, "relay publish failed", "user_id", body.UserID, "error", err)
		if errors.Is(err, queue.ErrEmptyUserID) {
			return h.errorResponse(requestID, types.NewAppError(types.ErrCodeValidationMissingField, "userID is required", err)), nil
		}
		return h.errorResponse(requestID, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to queue onboarding trigger", err)), nil
	}

	return jsonResponse(http.StatusAccepted, map[string]any{
		"data": map[string]string{"userID": body.UserID, "status": "queued"},
	}), nil
}

func (h *Handler) errorResponse(requestID string, err error) events.APIGatewayProxyResponse {
	detail := core.ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}
	return jsonResponse(status, core.APIErrorResponse{Error: detail})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":{"code":"internal_unexpected_error","message":"failed to marshal response"}}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// bearerToken finds the Authorization header regardless of case. API Gateway
// forwards header names as the client sent them.
func bearerToken(headers map[string]string) string {
	for name, value := range headers {
		if !strings.EqualFold(name, "Authorization") {
			continue
		}
		const prefix = "Bearer "
		if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
			return ""
		}
		return strings.TrimSpace(value[len(prefix):])
	}
	return ""
}

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))

	queueURL := os.Getenv("TRIGGER_QUEUE_URL")
	if queueURL == "" {
		logger.Error("TRIGGER_QUEUE_URL is required")
		os.Exit(1)
	}
	auth, err := core.NewBcryptAuthenticator(os.Getenv("TRIGGER_API_TOKEN_HASH"))
	if err != nil {
		logger.Error("invalid TRIGGER_API_TOKEN_HASH", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("Failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	h := &Handler{
		publisher:     queue.NewPublisher(sqsClient, queueURL, logger),
		authenticator: auth,
		validator:     core.NewValidator(logger),
		logger:        logger,
	}

	logger.Info("signup relay initialized", "queue_url", queueURL)
	lambda.Start(h.Handle)
}

// newLogger creates a JSON slog.Logger at the given level. Unknown levels
// default to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
