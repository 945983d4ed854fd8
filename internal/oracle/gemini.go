// File: internal/oracle/gemini.go
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ganainy/appium-traverser-sub001/internal/config"
)

// Gemini implements the Oracle interface on the Google Gemini API. Responses
// are constrained to the proposal schema through structured output, and every
// request is retried on transient failures before the loop gets to see an
// error.
type Gemini struct {
	client *genai.Client
	model  string
	config config.OracleConfig
	logger *zap.Logger
}

// NewGemini initializes the provider. The API key is required here and not in
// config validation so that scripted runs never have to fake one.
func NewGemini(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required (set TRAVERSER_ORACLE_API_KEY or GEMINI_API_KEY)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("oracle.gemini"),
	}, nil
}

// Name returns the provider key this oracle was registered under.
func (g *Gemini) Name() string { return config.OracleGemini }

// ProposeAction sends the screen context to the model and returns the parsed
// proposal, retrying transient API failures with exponential backoff.
func (g *Gemini) ProposeAction(ctx context.Context, req *Request) (*Proposal, error) {
	contents := buildContents(req)
	genCfg := g.generationConfig()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var (
		responseText string
		totalTokens  int
	)
	start := time.Now()

	operation := func() error {
		attemptCtx := ctx
		if g.config.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.config.RequestTimeout)
			defer cancel()
		}

		attemptStart := time.Now()
		resp, err := g.client.Models.GenerateContent(attemptCtx, g.model, contents, genCfg)
		duration := time.Since(attemptStart)

		if err != nil {
			classified := classifyGeminiError(err)
			var permanent *backoff.PermanentError
			if errors.As(classified, &permanent) {
				g.logger.Error("Gemini API returned non-retryable error", zap.Error(err))
			} else {
				g.logger.Warn("Transient error during oracle request, retrying...", zap.Error(err))
			}
			return classified
		}

		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := resp.Candidates[0]
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part != nil {
				text.WriteString(part.Text)
			}
		}
		if text.Len() == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no text parts (Reason: %s)", candidate.FinishReason))
		}
		responseText = text.String()

		promptTokens, completionTokens := 0, 0
		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			totalTokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		g.logger.Info("Oracle generation complete (Gemini)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", promptTokens),
			zap.Int("completion_tokens", completionTokens),
			zap.Int("total_tokens", totalTokens),
		)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	proposal, err := ParseProposal(responseText)
	if err != nil {
		return nil, err
	}
	proposal.LatencyMs = time.Since(start).Milliseconds()
	proposal.TotalTokens = totalTokens

	g.logger.Debug("Oracle proposal parsed",
		zap.String("action", proposal.Action),
		zap.String("target", proposal.TargetIdentifier),
	)
	return proposal, nil
}

// buildContents assembles the user turn: the screenshot when one was
// captured, then the prompt text.
func buildContents(req *Request) []*genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if len(req.Screenshot) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Screenshot, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(buildPrompt(req)))

	return []*genai.Content{{Role: genai.RoleUser, Parts: parts}}
}

func (g *Gemini) generationConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(g.config.Temperature)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   proposalSchema(),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(systemInstruction)},
		},
	}
	if g.config.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(g.config.MaxOutputTokens)
	}
	return cfg
}

// proposalSchema constrains the model output to one well-formed proposal.
func proposalSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"action": {
				Type:        genai.TypeString,
				Enum:        SupportedActions,
				Description: "The single action to perform next.",
			},
			"target_identifier": {
				Type:        genai.TypeString,
				Description: "Visible text, resource-id or content-desc of the target element. Empty when the action needs no target.",
			},
			"input_text": {
				Type:        genai.TypeString,
				Description: "Text to type. Only meaningful for the input action.",
			},
			"reasoning": {
				Type:        genai.TypeString,
				Description: "One sentence on why this action makes progress.",
			},
			"confidence": {
				Type:        genai.TypeNumber,
				Description: "Confidence in this choice between 0 and 1.",
			},
		},
		Required: []string{"action", "reasoning"},
	}
}

// classifyGeminiError decides retryability: throttling and server-side
// failures are transient, every other API-level rejection is permanent.
// Errors that are not APIErrors are network-level and stay retryable.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}
