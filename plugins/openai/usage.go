package openai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/espgate/internal/tokenizer"
	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

type chatUsage struct {
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

var errNoUsage = errors.New("response carries no usage block")

// UsageMetrics reads the token counters the provider reports in its reply.
func (h *Handler) UsageMetrics(requestBody []byte, resp *types.Response) (*metric.Metrics, error) {
	if resp == nil {
		return nil, errNoUsage
	}
	var reply chatUsage
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if reply.Usage == nil {
		return nil, errNoUsage
	}

	m := metric.New(
		metric.Int(metric.NameRequestTokenCount, reply.Usage.PromptTokens, metric.UnitToken),
		metric.Int(metric.NameReplyTokenCount, reply.Usage.CompletionTokens, metric.UnitToken),
		metric.Int(metric.NameTokenCount, reply.Usage.TotalTokens, metric.UnitToken),
	)
	model := h.requestModel(requestBody)
	if model == "" {
		model = reply.Model
	}
	m.Add(metric.String(metric.NameModel, model, metric.UnitNone))
	return m, nil
}

// StreamUsageMetrics estimates tokens, since streamed replies carry no
// usage block: the request side counts every message content, the reply
// side every delta content, each joined by a space.
func (h *Handler) StreamUsageMetrics(requestBody []byte, chunks []string) (*metric.Metrics, error) {
	var req chatRequest
	if err := json.Unmarshal(requestBody, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	model := req.Model
	if model == "" {
		model = h.defaultModel
	}

	prompts := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		prompts = append(prompts, tokenizer.MessageText(msg.Content))
	}
	requestTokens := int64(h.count(model, strings.Join(prompts, " ")))
	replyTokens := int64(h.count(model, replyContent(chunks)))

	return metric.New(
		metric.Int(metric.NameRequestTokenCount, requestTokens, metric.UnitToken),
		metric.Int(metric.NameReplyTokenCount, replyTokens, metric.UnitToken),
		metric.Int(metric.NameTokenCount, requestTokens+replyTokens, metric.UnitToken),
		metric.String(metric.NameModel, model, metric.UnitNone),
	), nil
}

// replyContent joins the non-empty delta contents of every parsable chunk.
func replyContent(chunks []string) string {
	parts := make([]string, 0, len(chunks))
	for _, data := range chunks {
		if strings.TrimSpace(data) == EndOfStreamMarker {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				parts = append(parts, c.Delta.Content)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (h *Handler) requestModel(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}
