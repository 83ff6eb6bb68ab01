package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/thrive/internal/models"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemTemplate string
	BaseURL        string // Ollama server URL
}

// NoContextAnswer is returned without calling the LLM when the context
// block is empty: answering from nothing would only invite fabrication.
const NoContextAnswer = "I don't have information about that in my knowledge base."

// ChatEngine is an engine that uses an LLM to generate answers grounded
// in an assembled context block.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.Temperature <= 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant answering questions about organizational documents. " +
			"Answer only from the provided excerpts and cite the source document of each fact. " +
			"If the excerpts do not contain the answer, say you don't have that information."
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// Answer generates a response to the question using the context block.
func (ce *ChatEngine) Answer(ctx context.Context, question string, block models.ContextBlock) (string, error) {
	if block.Empty() {
		return NoContextAnswer, nil
	}

	response, err := ce.llm.GenerateContent(ctx, ce.messages(question, block),
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature))
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat error: empty response from LLM")
	}

	return response.Choices[0].Content, nil
}

// StreamChunk is one piece of a streamed answer. Exactly one of
// Content and Err is meaningful; an Err chunk is always the last one
// before the channel closes, so answer text starting with any
// particular phrase is never mistaken for a failure.
type StreamChunk struct {
	Content string
	Err     error
}

// AnswerStream generates a streamed response. The channel is closed
// when generation finishes; a generation error closes the channel after
// a final chunk carrying the error.
func (ce *ChatEngine) AnswerStream(ctx context.Context, question string, block models.ContextBlock) (<-chan StreamChunk, error) {
	resultChan := make(chan StreamChunk)

	if block.Empty() {
		go func() {
			defer close(resultChan)
			resultChan <- StreamChunk{Content: NoContextAnswer}
		}()
		return resultChan, nil
	}

	go func() {
		defer close(resultChan)

		_, err := ce.llm.GenerateContent(ctx, ce.messages(question, block),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithTemperature(ce.config.Temperature),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				select {
				case resultChan <- StreamChunk{Content: string(chunk)}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}))
		if err != nil {
			resultChan <- StreamChunk{Err: fmt.Errorf("chat error: %w", err)}
		}
	}()

	return resultChan, nil
}

func (ce *ChatEngine) messages(question string, block models.ContextBlock) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman,
			fmt.Sprintf("Relevant excerpts:\n%s\nQuestion: %s", FormatContext(block), question)),
	}
}

// FormatContext renders a context block as the prompt fragment handed
// to the completion service, one provenance-tagged excerpt per chunk.
func FormatContext(block models.ContextBlock) string {
	var b strings.Builder
	for _, ex := range block.Excerpts {
		title := ex.Title
		if title == "" {
			title = ex.DocumentID
		}
		fmt.Fprintf(&b, "[Source: %s (%s)]\n%s\n\n", title, ex.DocumentID, ex.Text)
	}
	return b.String()
}

// FormatSources lists the distinct source documents of a block, for
// display under an answer.
func FormatSources(block models.ContextBlock) string {
	if block.Empty() {
		return ""
	}

	var sources []string
	seen := make(map[string]bool)
	for _, ex := range block.Excerpts {
		if !seen[ex.DocumentID] {
			name := ex.Title
			if name == "" {
				name = ex.DocumentID
			}
			sources = append(sources, fmt.Sprintf("%d. %s (%.0f%%)", len(sources)+1, name, ex.Score*100))
			seen[ex.DocumentID] = true
		}
	}

	return "Sources:\n" + strings.Join(sources, "\n")
}
