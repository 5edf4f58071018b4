package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"steward/pkg/render"
	"steward/services/reasoning"
)

// Engine is the slice of the reasoning client the responder needs.
type Engine interface {
	Invoke(ctx context.Context, systemPrompt string, schema reasoning.Schema, vars map[string]any) (map[string]any, error)
}

// Responder answers query and conversation intents directly, without
// starting a pipeline run.
type Responder struct {
	engine Engine
	render *render.Engine
}

// NewResponder creates a responder backed by the reasoning engine.
func NewResponder(engine Engine, templates *render.Engine) (*Responder, error) {
	if engine == nil {
		return nil, errors.New("reasoning engine is required")
	}
	if templates == nil {
		return nil, errors.New("template engine is required")
	}
	return &Responder{engine: engine, render: templates}, nil
}

// Respond produces a direct reply for a non-change intent.
func (r *Responder) Respond(ctx context.Context, intent Intent, request string) (string, error) {
	if intent == IntentChange {
		return "", errors.New("change intents are handled by the pipeline, not the responder")
	}

	prompt, err := r.render.Render("responder.tmpl", map[string]any{
		"Intent":  string(intent),
		"Request": request,
	})
	if err != nil {
		return "", fmt.Errorf("render responder prompt: %w", err)
	}

	out, err := r.engine.Invoke(ctx, prompt, reasoning.Schema{
		Name:      "responder",
		Required:  []string{"reply"},
		MinLength: map[string]int{"reply": 1},
	}, map[string]any{"request": request})
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}

	reply, _ := out["reply"].(string)
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("responder: empty reply")
	}
	return reply, nil
}
