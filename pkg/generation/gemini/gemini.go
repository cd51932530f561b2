// Package gemini implements generation.Provider using the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
)

const (
	defaultVoice        = "Kore"
	defaultPollInterval = 10 * time.Second
	speechSampleRate    = 24000
)

// Provider implements generation.Provider using the Google Gen AI SDK.
type Provider struct {
	client       *genai.Client
	voice        string
	pollInterval time.Duration
}

// Verify interface compliance.
var _ generation.Provider = (*Provider)(nil)
var _ generation.Catalog = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithVoice sets the prebuilt voice used for speech generation.
func WithVoice(name string) Option {
	return func(p *Provider) { p.voice = name }
}

// WithPollInterval sets how often long-running video operations are polled.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.pollInterval = d }
}

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	p := &Provider{client: client, voice: defaultVoice, pollInterval: defaultPollInterval}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// ListModels returns available Gemini models with the capabilities inferred
// from their supported actions.
func (p *Provider) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(m.Name), "gemma") {
			continue
		}
		caps := capabilitiesOf(m)
		if len(caps) == 0 {
			continue
		}
		model := domain.Model{
			ID:           strings.TrimPrefix(m.Name, "models/"),
			Provider:     p.Name(),
			DisplayName:  m.DisplayName,
			Capabilities: caps,
		}
		if filter.Match(model) {
			models = append(models, model)
		}
	}
	return models, nil
}

func capabilitiesOf(m *genai.Model) []string {
	name := strings.ToLower(m.Name)
	var caps []string
	for _, action := range m.SupportedActions {
		switch action {
		case "generateContent":
			if strings.Contains(name, "tts") {
				caps = append(caps, domain.BackendAudioGeneration)
			} else {
				caps = append(caps, domain.BackendTextGeneration)
			}
		case "predict":
			if strings.Contains(name, "imagen") {
				caps = append(caps, domain.BackendImageGeneration)
				if strings.Contains(name, "capability") || strings.Contains(name, "edit") {
					caps = append(caps, domain.BackendImageEdit)
				}
			}
		case "predictLongRunning":
			if strings.Contains(name, "veo") {
				caps = append(caps, domain.BackendVideoGeneration)
			}
		}
	}
	return caps
}

// StreamText streams the model's response to a single-turn prompt.
func (p *Provider) StreamText(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
	slog.Debug("Gemini.StreamText", "model", req.Model, "promptLen", len(req.Prompt))
	return func(yield func(string, error) bool) {
		stream := p.client.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.Prompt), nil)
		for resp, err := range stream {
			if err != nil {
				if ctx.Err() == nil {
					yield("", err)
				}
				return
			}
			if text := responseText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

func (p *Provider) GenerateImages(ctx context.Context, req generation.Request) ([]generation.Image, error) {
	slog.Debug("Gemini.GenerateImages", "model", req.Model)
	resp, err := p.client.Models.GenerateImages(ctx, req.Model, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate images: %w", err)
	}
	return convertImages(resp.GeneratedImages), nil
}

func (p *Provider) EditImage(ctx context.Context, req generation.Request) (*generation.Image, error) {
	slog.Debug("Gemini.EditImage", "model", req.Model)
	src, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}
	refs := []genai.ReferenceImage{genai.NewRawReferenceImage(src, 0)}
	resp, err := p.client.Models.EditImage(ctx, req.Model, req.Prompt, refs, &genai.EditImageConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("edit image: %w", err)
	}
	imgs := convertImages(resp.GeneratedImages)
	if len(imgs) == 0 {
		return nil, nil
	}
	return &imgs[0], nil
}

func convertImages(generated []*genai.GeneratedImage) []generation.Image {
	var out []generation.Image
	for _, g := range generated {
		if g == nil || g.Image == nil {
			continue
		}
		md := map[string]any{}
		if g.EnhancedPrompt != "" {
			md["enhanced_prompt"] = g.EnhancedPrompt
		}
		if g.RAIFilteredReason != "" {
			md["rai_filtered_reason"] = g.RAIFilteredReason
		}
		mimeType := g.Image.MIMEType
		if mimeType == "" {
			mimeType = domain.MimeTypeFor(domain.PartImage)
		}
		out = append(out, generation.Image{
			Data:     base64.StdEncoding.EncodeToString(g.Image.ImageBytes),
			Ref:      g.Image.GCSURI,
			MimeType: mimeType,
			Metadata: md,
		})
	}
	return out
}

func decodeImage(payload string) (*genai.Image, error) {
	mimeType := domain.MimeTypeFromDataURL(payload)
	if mimeType == "" {
		mimeType = domain.MimeTypeFor(domain.PartImage)
	}
	data, err := base64.StdEncoding.DecodeString(domain.PayloadFromDataURL(payload))
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return &genai.Image{ImageBytes: data, MIMEType: mimeType}, nil
}

// GenerateVideo starts a long-running Veo operation and polls it until done.
func (p *Provider) GenerateVideo(ctx context.Context, req generation.Request) ([]generation.Video, error) {
	slog.Debug("Gemini.GenerateVideo", "model", req.Model, "withImage", req.Image != "")
	var image *genai.Image
	if req.Image != "" {
		img, err := decodeImage(req.Image)
		if err != nil {
			return nil, err
		}
		image = img
	}

	op, err := p.client.Models.GenerateVideos(ctx, req.Model, req.Prompt, image, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate videos: %w", err)
	}

	lim := rate.NewLimiter(rate.Every(p.pollInterval), 1)
	for !op.Done {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		op, err = p.client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, fmt.Errorf("poll video operation: %w", err)
		}
		slog.Debug("Polled video operation", "name", op.Name, "done", op.Done)
	}
	if len(op.Error) > 0 {
		return nil, fmt.Errorf("video operation failed: %v", op.Error["message"])
	}
	if op.Response == nil {
		return nil, nil
	}

	var out []generation.Video
	for _, g := range op.Response.GeneratedVideos {
		if g == nil || g.Video == nil {
			continue
		}
		md := map[string]any{}
		if g.Video.MIMEType != "" {
			md["mime_type"] = g.Video.MIMEType
		}
		out = append(out, generation.Video{URL: g.Video.URI, Metadata: md})
	}
	return out, nil
}

// GenerateAudio synthesizes speech with a TTS model and returns it as WAV.
func (p *Provider) GenerateAudio(ctx context.Context, req generation.Request) (*generation.Audio, error) {
	slog.Debug("Gemini.GenerateAudio", "model", req.Model, "voice", p.voice)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: p.voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generate speech: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return &generation.Audio{
				Data:   base64.StdEncoding.EncodeToString(wav(part.InlineData.Data, speechSampleRate)),
				Format: "wav",
				Metadata: map[string]any{
					"sample_rate": speechSampleRate,
					"voice":       p.voice,
				},
			}, nil
		}
	}
	return nil, nil
}
