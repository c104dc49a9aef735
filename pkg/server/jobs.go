package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"llmhub/pkg/admission"
	"llmhub/pkg/cloud"
	"llmhub/pkg/dispatch"
	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/requestlog"
	"llmhub/pkg/router"
	"llmhub/pkg/usage"

	"github.com/labstack/echo/v4"
)

// Response headers describing who served a job.
const (
	HeaderJobID    = "X-Job-ID"
	HeaderNodeID   = "X-Node-ID"
	HeaderProvider = "X-Provider"
)

// ollamaChat is the non-streaming answer of a node's /api/chat.
type ollamaChat struct {
	Model           string         `json:"model"`
	Message         models.Message `json:"message"`
	DoneReason      string         `json:"done_reason"`
	PromptEvalCount int64          `json:"prompt_eval_count"`
	EvalCount       int64          `json:"eval_count"`
}

func (srv *Server) submitJob(ctx echo.Context) error {
	start := time.Now()
	caller, err := srv.authenticate(ctx, start)
	if err != nil {
		return writeError(ctx, err)
	}

	var req models.JobRequest
	if err := ctx.Bind(&req); err != nil {
		return writeError(ctx, fmt.Errorf("%w: malformed body", ErrInvalidRequest))
	}
	if err := validateJob(req); err != nil {
		return writeError(ctx, err)
	}

	return srv.runJob(ctx, caller, req, false, start)
}

func (srv *Server) chatCompletions(ctx echo.Context) error {
	start := time.Now()
	caller, err := srv.authenticate(ctx, start)
	if err != nil {
		return writeError(ctx, err)
	}

	var req models.ChatCompletionRequest
	if err := ctx.Bind(&req); err != nil {
		return writeError(ctx, fmt.Errorf("%w: malformed body", ErrInvalidRequest))
	}
	if len(req.Messages) == 0 {
		return writeError(ctx, fmt.Errorf("%w: messages are required", ErrInvalidRequest))
	}

	job := req.ToJob()
	if err := validateJob(job); err != nil {
		return writeError(ctx, err)
	}

	return srv.runJob(ctx, caller, job, true, start)
}

// authenticate resolves the bearer key before the body is read, so a bad key
// is answered with 401 whatever the body holds.
func (srv *Server) authenticate(ctx echo.Context, start time.Time) (*models.Caller, error) {
	httpReq := ctx.Request()
	caller, err := srv.deps.Admission.Authenticate(httpReq.Context(), admission.BearerToken(httpReq.Header.Get(echo.HeaderAuthorization)))
	if err != nil {
		log.Info().Str("remote_ip", ctx.RealIP()).Str("reason", err.Error()).Msg("Request rejected")
		srv.recordRejection(ctx, ctx.Path(), "", "", err, start)
		return nil, err
	}
	return caller, nil
}

func validateJob(req models.JobRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if req.Prompt == "" && len(req.Messages) == 0 {
		return fmt.Errorf("%w: prompt or messages is required", ErrInvalidRequest)
	}
	return nil
}

// runJob admits, routes and answers one job for an authenticated caller.
// openAI selects the OpenAI-compatible answer shape for non-streaming local replies.
func (srv *Server) runJob(ctx echo.Context, caller *models.Caller, req models.JobRequest, openAI bool, start time.Time) error {
	httpReq := ctx.Request()
	endpoint := ctx.Path()

	grant, err := srv.deps.Admission.AdmitCaller(httpReq.Context(), caller, req.Model)
	if err != nil {
		srv.recordRejection(ctx, endpoint, req.Model, caller.ID, err, start)
		return writeError(ctx, err)
	}

	req.Options = grant.Caller.DefaultParams.ApplyDefaults(req.Options)
	job := dispatch.Job{
		ID:        dispatch.NewJobID(),
		CallerID:  grant.Caller.ID,
		RequestIP: ctx.RealIP(),
		Endpoint:  endpoint,
		Request:   req,
	}

	result, err := srv.deps.Router.Route(httpReq.Context(), grant.Routing, job)
	if err != nil {
		srv.deps.Admission.Account(context.WithoutCancel(httpReq.Context()), grant.Caller.ID, usage.Delta{
			Success:   false,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		if !attemptsRecorded(err) {
			srv.recordRejection(ctx, endpoint, req.Model, grant.Caller.ID, err, start)
		}
		log.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("caller_id", grant.Caller.ID).
			Str("model", req.Model).
			Msg("Job failed")
		return writeError(ctx, err)
	}

	header := ctx.Response().Header()
	header.Set(HeaderJobID, job.ID)
	header.Set(HeaderProvider, string(result.Provider))
	if result.NodeID != "" {
		header.Set(HeaderNodeID, result.NodeID)
	}

	contentType := result.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}

	if result.Stream != nil {
		defer result.Stream.Close()
		streamErr := ctx.Stream(result.StatusCode, contentType, result.Stream)
		// Token counts are not known for streamed answers
		srv.deps.Admission.Account(context.WithoutCancel(httpReq.Context()), grant.Caller.ID, usage.Delta{
			Success:   streamErr == nil,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return streamErr
	}

	tokensIn, tokensOut := usage.ParseTokens(result.Body)
	delta := usage.Delta{
		Success:   true,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if result.Provider != router.ProviderLocal && srv.deps.Pricing != nil {
		delta.CostUSD = srv.deps.Pricing.Cost(tokensIn + tokensOut)
	}
	srv.deps.Admission.Account(context.WithoutCancel(httpReq.Context()), grant.Caller.ID, delta)

	if openAI && result.Provider == router.ProviderLocal {
		if converted, ok := toChatCompletion(result, req.Model); ok {
			return ctx.JSON(result.StatusCode, converted)
		}
	}
	return ctx.Blob(result.StatusCode, contentType, result.Body)
}

// toChatCompletion converts an Ollama chat answer into the OpenAI shape.
func toChatCompletion(result *router.Result, model string) (*models.ChatCompletionResponse, bool) {
	var reply ollamaChat
	if err := json.Unmarshal(result.Body, &reply); err != nil || reply.Message.Role == "" {
		return nil, false
	}
	if reply.Model != "" {
		model = reply.Model
	}

	finish := reply.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &models.ChatCompletionResponse{
		ID:      "chatcmpl-" + result.JobID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{{
			Index:        0,
			Message:      reply.Message,
			FinishReason: finish,
		}},
		Usage: models.UsageInfo{
			PromptTokens:     reply.PromptEvalCount,
			CompletionTokens: reply.EvalCount,
			TotalTokens:      reply.PromptEvalCount + reply.EvalCount,
		},
		Provider: string(result.Provider),
		NodeID:   result.NodeID,
	}, true
}

// attemptsRecorded reports errors whose attempts already reached the request log.
func attemptsRecorded(err error) bool {
	var cloudErr *cloud.Error
	return errors.Is(err, dispatch.ErrAllNodesFailed) ||
		errors.Is(err, dispatch.ErrProvider) ||
		errors.As(err, &cloudErr)
}

func (srv *Server) recordRejection(ctx echo.Context, endpoint, model, callerID string, err error, start time.Time) {
	if srv.deps.RequestLog == nil {
		return
	}
	srv.deps.RequestLog.Add(requestlog.Entry{
		CallerID:   callerID,
		RequestIP:  ctx.RealIP(),
		Endpoint:   endpoint,
		Model:      model,
		StatusCode: statusFor(err),
		Success:    false,
		Error:      err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func (srv *Server) listModels(ctx echo.Context) error {
	caller, err := srv.deps.Admission.Authenticate(ctx.Request().Context(), admission.BearerToken(ctx.Request().Header.Get(echo.HeaderAuthorization)))
	if err != nil {
		return writeError(ctx, err)
	}

	seen := make(map[string]struct{})
	list := models.ModelList{Object: "list", Data: []models.ModelEntry{}}
	for _, node := range srv.deps.Registry.List() {
		if node.Status != models.NodeOnline {
			continue
		}
		for _, name := range node.Models {
			if name == models.Wildcard || !caller.ModelAllowed(name) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			list.Data = append(list.Data, models.ModelEntry{ID: name, Object: "model", OwnedBy: "ollama"})
		}
	}

	return ctx.JSON(http.StatusOK, list)
}
