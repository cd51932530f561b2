package gemini_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/generation/gemini"
)

func setupProvider(t *testing.T) *gemini.Provider {
	t.Helper()
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping: GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	provider, err := gemini.New(ctx, apiKey)
	if err != nil {
		t.Fatalf("gemini.New: %v", err)
	}
	return provider
}

// TestIntegrationGeminiListModels verifies that ListModels returns text models.
func TestIntegrationGeminiListModels(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	models, err := p.ListModels(ctx, domain.ModelFilter{Capability: domain.BackendTextGeneration})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("No models found")
	}
	for _, m := range models {
		if m.ID == "" {
			t.Error("Model has empty ID")
		}
		if m.Provider != "gemini" {
			t.Errorf("Provider = %q, want gemini", m.Provider)
		}
	}
}

// TestIntegrationGeminiStreamText verifies a short prompt streams a response.
func TestIntegrationGeminiStreamText(t *testing.T) {
	p := setupProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var sb strings.Builder
	for chunk, err := range p.StreamText(ctx, generation.Request{
		Model:  "gemini-2.0-flash",
		Prompt: "What is 2+2? Reply with just the number.",
	}) {
		if err != nil {
			t.Fatalf("StreamText: %v", err)
		}
		sb.WriteString(chunk)
	}
	if !strings.Contains(sb.String(), "4") {
		t.Errorf("response = %q, want it to contain 4", sb.String())
	}
}
