// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaProvider adapts a local Ollama server to Provider via
// langchaingo. This is the zero-cost local tier for deployments that
// keep inference on-box.
type OllamaProvider struct {
	llm          *ollama.LLM
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOllamaProvider creates an Ollama provider.
//
// Inputs:
//
//	baseURL - Ollama server URL (e.g., "http://localhost:11434").
//	defaultModel - Model used when the chain entry does not override it.
func NewOllamaProvider(baseURL, defaultModel string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if defaultModel == "" {
		defaultModel = "llama3.1:8b"
	}

	client, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(defaultModel),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}

	return &OllamaProvider{
		llm:          client,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// IsAvailable implements Provider by pinging the server root.
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Generate implements Provider.
func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (*Response, error) {
	resp, err := p.llm.GenerateContent(ctx, toLangchainMessages(messages), p.callOptions(params)...)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Content,
		Model:        p.modelFor(params),
		TokensUsed:   totalTokens(choice.GenerationInfo),
		FinishReason: choice.StopReason,
	}, nil
}

// Stream implements Provider via langchaingo's streaming callback.
func (p *OllamaProvider) Stream(ctx context.Context, messages []Message, params GenerationParams) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk)

	opts := p.callOptions(params)
	opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		select {
		case out <- StreamChunk{Text: string(chunk)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		defer close(out)
		if _, err := p.llm.GenerateContent(ctx, toLangchainMessages(messages), opts...); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("ollama stream: %w", err)}
		}
	}()
	return out, nil
}

func (p *OllamaProvider) modelFor(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return p.defaultModel
}

func (p *OllamaProvider) callOptions(params GenerationParams) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(p.modelFor(params))}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.TopK != nil {
		opts = append(opts, llms.WithTopK(*params.TopK))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}

func toLangchainMessages(messages []Message) []llms.MessageContent {
	converted := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch strings.ToLower(m.Role) {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		converted = append(converted, llms.TextParts(role, m.Content))
	}
	return converted
}

func totalTokens(info map[string]any) int {
	total := 0
	for _, key := range []string{"PromptTokens", "CompletionTokens"} {
		if v, ok := info[key]; ok {
			if n, ok := v.(int); ok {
				total += n
			}
		}
	}
	return total
}
