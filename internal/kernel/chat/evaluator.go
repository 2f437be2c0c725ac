// Package chat evaluates chat cells against an OpenAI-compatible completion
// endpoint. Linked chat executions become the conversation history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// ResponseKey is the export holding the completion text
const ResponseKey = "response"

// Message is one turn of the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Evaluator runs chat executions of one document
type Evaluator struct {
	layout   workspace.Layout
	client   *httpclient.Client
	observer artifact.Observer
	logger   *zap.Logger

	mu  sync.RWMutex
	env map[string]string
}

// New creates a chat evaluator
func New(layout workspace.Layout, client *httpclient.Client, observer artifact.Observer, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{Name: "chat", Timeout: 5 * time.Minute})
	}
	return &Evaluator{
		layout:   layout,
		client:   client,
		observer: observer,
		logger:   logger,
		env:      map[string]string{},
	}
}

// Language implements kernel.Evaluator
func (e *Evaluator) Language() types.Language {
	return types.LanguageChat
}

// SetEnv replaces the environment settings are read from
func (e *Evaluator) SetEnv(env map[string]string) {
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	e.mu.Lock()
	e.env = cp
	e.mu.Unlock()
}

// Evaluate sends the prompt with its linked history and exports the reply
// as response.
func (e *Evaluator) Evaluate(ctx context.Context, meta types.ExecutionMeta, prompt string) error {
	start := time.Now()
	writer := artifact.NewWriter(e.layout.ExecutionDir(meta.DocumentID, meta.ExecutionID), meta.ExecutionID)
	if e.observer != nil {
		writer.WithObserver(e.observer)
	}

	var keys []string
	reply, err := e.complete(ctx, meta, prompt)
	if err == nil {
		exports := map[string]string{ResponseKey: serialize.Encode(serialize.String(reply))}
		_, err = writer.Write(result.NewSuccess(meta.ExecutionID, time.Since(start), exports))
		keys = []string{ResponseKey}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = result.TimeoutError(time.Since(start))
		}
		if _, werr := writer.Write(result.FailureFrom(meta.ExecutionID, time.Since(start), err)); werr != nil {
			e.logger.Error("Failed to write error artifact",
				zap.String("execution_id", meta.ExecutionID.String()),
				zap.Error(werr),
			)
		}
	}

	if merr := e.layout.MarkEvaluated(meta, keys); merr != nil {
		e.logger.Warn("Failed to back-fill execution meta",
			zap.String("execution_id", meta.ExecutionID.String()),
			zap.Error(merr),
		)
	}
	return err
}

func (e *Evaluator) complete(ctx context.Context, meta types.ExecutionMeta, prompt string) (string, error) {
	e.mu.RLock()
	settings, err := SettingsFromEnv(e.env)
	e.mu.RUnlock()
	if err != nil {
		return "", result.BuildError("%v", err)
	}

	history, err := e.History(meta)
	if err != nil {
		return "", err
	}

	var messages []Message
	if settings.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: settings.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := sonic.ConfigStd.Marshal(completionRequest{
		Model:       settings.Model,
		Messages:    messages,
		Temperature: settings.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if settings.APIKey != "" {
		headers["Authorization"] = "Bearer " + settings.APIKey
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     settings.CompletionsURL(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return "", err
	}

	var out completionResponse
	decodeErr := sonic.Unmarshal(resp.Body, &out)
	if !resp.OK() {
		msg := fmt.Sprintf("chat completion failed: %d %s", resp.Status, resp.StatusText)
		if decodeErr == nil && out.Error != nil {
			msg += ": " + out.Error.Message
		}
		return "", result.EvaluationError(serialize.String(string(resp.Body)), msg, "")
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}

	e.logger.Debug("Chat completion finished",
		zap.String("execution_id", meta.ExecutionID.String()),
		zap.Int("history", len(history)),
	)
	return out.Choices[0].Message.Content, nil
}

// History rebuilds the conversation from the linked executions, in link
// order. A linked execution without a response cannot be linked.
func (e *Evaluator) History(meta types.ExecutionMeta) ([]Message, error) {
	var messages []Message
	for _, linked := range meta.LinkedExecutionIDs {
		prompt, err := os.ReadFile(e.layout.RawSourcePath(meta.DocumentID, linked, types.LanguageChat))
		if err != nil {
			return nil, result.LinkError("linked chat execution %s has no prompt: %v", linked, err)
		}

		history, err := artifact.ReadHistory(e.layout.ExecutionDir(meta.DocumentID, linked), nil)
		if err != nil {
			return nil, result.LinkError("linked chat execution %s is unreadable: %v", linked, err)
		}
		state := result.Fold(history)
		if state.Success == nil {
			return nil, result.LinkError("linked chat execution %s has no response", linked)
		}
		reply, err := serialize.Decode(state.Success.SerializedExports[ResponseKey])
		if err != nil || reply.Kind != serialize.KindString {
			return nil, result.LinkError("linked chat execution %s has no response", linked)
		}

		messages = append(messages,
			Message{Role: "user", Content: string(prompt)},
			Message{Role: "assistant", Content: reply.Text},
		)
	}
	return messages, nil
}

// Close implements kernel.Evaluator
func (e *Evaluator) Close() error {
	return nil
}
