// Package openai implements generation.Provider on top of the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"

	go_openai "github.com/sashabaranov/go-openai"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
)

// Provider serves text, image, image-edit, and speech requests. OpenAI has no
// video endpoint, so GenerateVideo returns generation.ErrUnsupported.
type Provider struct {
	client *go_openai.Client
	voice  go_openai.SpeechVoice
}

var _ generation.Provider = (*Provider)(nil)
var _ generation.Catalog = (*Provider)(nil)

// New creates a provider. An empty baseURL uses the public API.
func New(apiKey, baseURL string) *Provider {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Provider{
		client: go_openai.NewClientWithConfig(config),
		voice:  go_openai.VoiceAlloy,
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var out []domain.Model
	for _, m := range list.Models {
		caps := capabilitiesOf(m.ID)
		if len(caps) == 0 {
			continue
		}
		model := domain.Model{ID: m.ID, Provider: p.Name(), Capabilities: caps}
		if filter.Match(model) {
			out = append(out, model)
		}
	}
	return out, nil
}

func capabilitiesOf(modelID string) []string {
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "dall-e-2"):
		return []string{domain.BackendImageGeneration, domain.BackendImageEdit}
	case strings.HasPrefix(id, "dall-e"), strings.HasPrefix(id, "gpt-image"):
		return []string{domain.BackendImageGeneration}
	case strings.HasPrefix(id, "tts"), strings.Contains(id, "-tts"):
		return []string{domain.BackendAudioGeneration}
	case strings.Contains(id, "audio"), strings.Contains(id, "realtime"), strings.Contains(id, "transcribe"):
		return nil
	case strings.HasPrefix(id, "gpt-"), strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"), strings.HasPrefix(id, "o4"):
		return []string{domain.BackendTextGeneration}
	}
	return nil
}

func (p *Provider) StreamText(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
	slog.Debug("OpenAI.StreamText", "model", req.Model, "promptLen", len(req.Prompt))
	return func(yield func(string, error) bool) {
		stream, err := p.client.CreateChatCompletionStream(ctx, go_openai.ChatCompletionRequest{
			Model: req.Model,
			Messages: []go_openai.ChatCompletionMessage{
				{Role: go_openai.ChatMessageRoleUser, Content: req.Prompt},
			},
			Stream: true,
		})
		if err != nil {
			if ctx.Err() == nil {
				yield("", fmt.Errorf("create chat stream: %w", err))
			}
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					yield("", err)
				}
				return
			}
			for _, choice := range response.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	}
}

func (p *Provider) GenerateImages(ctx context.Context, req generation.Request) ([]generation.Image, error) {
	slog.Debug("OpenAI.GenerateImages", "model", req.Model)
	resp, err := p.client.CreateImage(ctx, go_openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           go_openai.CreateImageSize1024x1024,
		ResponseFormat: go_openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	return convertImages(resp), nil
}

// EditImage writes the uploaded image to a temporary PNG file, which the
// multipart edit endpoint requires.
func (p *Provider) EditImage(ctx context.Context, req generation.Request) (*generation.Image, error) {
	slog.Debug("OpenAI.EditImage", "model", req.Model)
	data, err := base64.StdEncoding.DecodeString(domain.PayloadFromDataURL(req.Image))
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	f, err := os.CreateTemp("", "celeste-edit-*.png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateEditImage(ctx, go_openai.ImageEditRequest{
		Image:          f,
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           go_openai.CreateImageSize1024x1024,
		ResponseFormat: go_openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("edit image: %w", err)
	}
	imgs := convertImages(resp)
	if len(imgs) == 0 {
		return nil, nil
	}
	return &imgs[0], nil
}

func convertImages(resp go_openai.ImageResponse) []generation.Image {
	out := make([]generation.Image, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, generation.Image{
			Data:     d.B64JSON,
			Ref:      d.URL,
			MimeType: domain.MimeTypePNG,
			Metadata: map[string]any{"created": resp.Created},
		})
	}
	return out
}

func (p *Provider) GenerateVideo(ctx context.Context, req generation.Request) ([]generation.Video, error) {
	return nil, fmt.Errorf("openai: video: %w", generation.ErrUnsupported)
}

func (p *Provider) GenerateAudio(ctx context.Context, req generation.Request) (*generation.Audio, error) {
	slog.Debug("OpenAI.GenerateAudio", "model", req.Model, "voice", p.voice)
	resp, err := p.client.CreateSpeech(ctx, go_openai.CreateSpeechRequest{
		Model:          go_openai.SpeechModel(req.Model),
		Input:          req.Prompt,
		Voice:          p.voice,
		ResponseFormat: go_openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return &generation.Audio{
		Data:     base64.StdEncoding.EncodeToString(data),
		Format:   "mp3",
		Metadata: map[string]any{"voice": string(p.voice)},
	}, nil
}
