// Package upstreamclient performs a single call to the upstream generative
// model provider using a leased credential (SPEC_FULL.md §4.6), in buffered
// or streaming mode, translating to and from the upstream's native schema.
package upstreamclient

import "github.com/wisbric/novarelay/pkg/presetexpander"

// ChatRequest is the orchestrator-facing request, already expanded and
// pre-regex-rewritten.
type ChatRequest struct {
	Model       string
	Messages    []presetexpander.Message
	Temperature *float64
	TopP        *float64
	N           *int
	MaxTokens   *int
	Stop        []string
}

// Usage carries token accounting, with Estimated set when the upstream
// didn't report usage and the counts were derived from content length
// (spec.md §9 open question: ceil(utf8_len/4) fallback).
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Estimated        bool
}

// geminiContent is one turn of the upstream's native schema.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	CandidateCount  *int     `json:"candidateCount,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

// translateToGemini maps the orchestrator's request into the upstream's
// native schema. System-role messages are pulled out into
// systemInstruction; assistant maps to the upstream's "model" role.
func translateToGemini(req ChatRequest) geminiRequest {
	var out geminiRequest
	var system *geminiContent

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &geminiContent{Role: "user"}
			}
			system.Parts = append(system.Parts, geminiPart{Text: m.Content})
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	out.SystemInstruction = system

	if req.Temperature != nil || req.TopP != nil || req.N != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			CandidateCount:  req.N,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

// EstimateTokens is the fallback token count used when the upstream omits
// usageMetadata: ceil(len(s)/4) in bytes, a rough 4-bytes-per-token heuristic.
func EstimateTokens(s string) int64 {
	if len(s) == 0 {
		return 0
	}
	return int64((len(s) + 3) / 4)
}
