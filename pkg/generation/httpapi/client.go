// Package httpapi implements generation.Provider against the REST generation
// backend (/v1/text/stream, /v1/images/generate, ...).
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
)

// MaxAudioTextLength is the longest text accepted for speech generation.
const MaxAudioTextLength = 8000

// ErrTextTooLong is returned when audio text exceeds MaxAudioTextLength.
var ErrTextTooLong = errors.New("text too long for audio generation")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// Client talks to the generation backend.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
}

var _ generation.Provider = (*Client)(nil)
var _ generation.Catalog = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithName overrides the provider name reported by Name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    "backend",
		http:    http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

type textRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
	Image    string `json:"image,omitempty"`
}

type audioRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Text     string `json:"text"`
}

// StreamText reads the NDJSON response of /v1/text/stream, yielding the
// non-empty "content" field of each line.
func (c *Client) StreamText(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := c.do(ctx, http.MethodPost, "/v1/text/stream", textRequest{
			Provider: req.Provider,
			Model:    req.Model,
			Prompt:   req.Prompt,
		}, "application/x-ndjson")
		if err != nil {
			if ctx.Err() == nil {
				yield("", err)
			}
			return
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield("", fmt.Errorf("decode stream line: %w", err))
				return
			}
			if chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}

type imageOut struct {
	Data     string         `json:"data"`
	Path     string         `json:"path"`
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type"`
	Metadata map[string]any `json:"metadata"`
}

func (c *Client) toImage(o imageOut) generation.Image {
	ref := o.Path
	if ref == "" {
		ref = c.absolute(o.URL)
	}
	return generation.Image{Data: o.Data, Ref: ref, MimeType: o.MimeType, Metadata: o.Metadata}
}

func (c *Client) GenerateImages(ctx context.Context, req generation.Request) ([]generation.Image, error) {
	var resp struct {
		Images []imageOut `json:"images"`
	}
	if err := c.post(ctx, "/v1/images/generate", textRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
	}, &resp); err != nil {
		return nil, err
	}
	out := make([]generation.Image, 0, len(resp.Images))
	for _, img := range resp.Images {
		out = append(out, c.toImage(img))
	}
	return out, nil
}

func (c *Client) EditImage(ctx context.Context, req generation.Request) (*generation.Image, error) {
	var resp struct {
		Image *imageOut `json:"image"`
	}
	if err := c.post(ctx, "/v1/images/edit", textRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Image:    domain.PayloadFromDataURL(req.Image),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Image == nil {
		return nil, nil
	}
	img := c.toImage(*resp.Image)
	return &img, nil
}

func (c *Client) GenerateVideo(ctx context.Context, req generation.Request) ([]generation.Video, error) {
	var resp struct {
		Videos []struct {
			URL      string         `json:"url"`
			Path     string         `json:"path"`
			Metadata map[string]any `json:"metadata"`
		} `json:"videos"`
	}
	if err := c.post(ctx, "/v1/video/generate", textRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Image:    domain.PayloadFromDataURL(req.Image),
	}, &resp); err != nil {
		return nil, err
	}
	out := make([]generation.Video, 0, len(resp.Videos))
	for _, v := range resp.Videos {
		out = append(out, generation.Video{URL: c.absolute(v.URL), Ref: v.Path, Metadata: v.Metadata})
	}
	return out, nil
}

func (c *Client) GenerateAudio(ctx context.Context, req generation.Request) (*generation.Audio, error) {
	if n := utf8.RuneCountInString(req.Prompt); n > MaxAudioTextLength {
		return nil, fmt.Errorf("%w: maximum %d characters, got %d", ErrTextTooLong, MaxAudioTextLength, n)
	}
	var resp struct {
		Audio *struct {
			Data       string         `json:"data"`
			Format     string         `json:"format"`
			SampleRate int            `json:"sample_rate"`
			URL        string         `json:"url"`
			Metadata   map[string]any `json:"metadata"`
		} `json:"audio"`
	}
	if err := c.post(ctx, "/v1/audio/generate", audioRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Text:     req.Prompt,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Audio == nil {
		return nil, nil
	}
	md := resp.Audio.Metadata
	if md == nil {
		md = map[string]any{}
	}
	if resp.Audio.SampleRate > 0 {
		md["sample_rate"] = resp.Audio.SampleRate
	}
	if resp.Audio.URL != "" {
		md["url"] = c.absolute(resp.Audio.URL)
	}
	return &generation.Audio{Data: resp.Audio.Data, Format: resp.Audio.Format, Metadata: md}, nil
}

// absolute prefixes server-relative media URLs with the backend base URL.
func (c *Client) absolute(u string) string {
	if strings.HasPrefix(u, "/") {
		return c.baseURL + u
	}
	return u
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := c.do(ctx, http.MethodPost, path, in, "application/json")
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, accept string) (io.ReadCloser, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	slog.Debug("Backend request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Status: http.StatusText(resp.StatusCode),
			Body:   strings.TrimSpace(string(b)),
		}
	}
	return resp.Body, nil
}

func query(path string, params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		if val != "" {
			v.Set(k, val)
		}
	}
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}
