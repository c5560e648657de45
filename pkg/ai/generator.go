package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamTextGenerator additionally exposes generation as an incremental
// sequence of text deltas. emit is called once per delta in order; the full
// text is returned when the stream ends. Providers without native streaming
// satisfy this with a single delta via StreamWhole.
type StreamTextGenerator interface {
	TextGenerator
	StreamText(ctx context.Context, systemPrompt, userPrompt string, emit func(delta string) error) (string, error)
}

// StreamWhole adapts a whole-response generator to the streaming contract by
// emitting the complete text as one delta.
func StreamWhole(ctx context.Context, g TextGenerator, systemPrompt, userPrompt string, emit func(delta string) error) (string, error) {
	text, err := g.GenerateText(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	if emit != nil {
		if err := emit(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// Stream runs g as a stream when it supports one and falls back to a single
// whole-text delta otherwise.
func Stream(ctx context.Context, g TextGenerator, systemPrompt, userPrompt string, emit func(delta string) error) (string, error) {
	if sg, ok := g.(StreamTextGenerator); ok {
		return sg.StreamText(ctx, systemPrompt, userPrompt, emit)
	}
	return StreamWhole(ctx, g, systemPrompt, userPrompt, emit)
}
