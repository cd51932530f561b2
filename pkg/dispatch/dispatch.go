// Package dispatch turns a user submission into thread mutations and
// generation calls, routed by the selected capability.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/thread"
)

var (
	// ErrBusy is returned when a submission arrives while another is in flight.
	ErrBusy = errors.New("a submission is already in progress")
	// ErrEmptyResult marks a draft whose batch generation returned nothing.
	ErrEmptyResult = errors.New("generation returned no result")
)

// State is the dispatcher's position in the submission lifecycle.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Submission is what the user typed and, optionally, uploaded.
type Submission struct {
	Prompt string `json:"prompt"`
	// Image is an uploaded image as a data URL or raw base64 payload.
	Image string `json:"image,omitempty"`
}

// Result describes the outcome of Submit.
type Result struct {
	// Accepted is false when validation rejected the submission. Nothing was
	// appended and no generation call was made.
	Accepted      bool
	UserMessageID string
	DraftID       string
	State         State
	// Cancelled is set when the submission was cancelled before completing.
	// Streamed text received so far is kept on the draft.
	Cancelled bool
	Err       error
}

// Dispatcher runs one submission at a time.
type Dispatcher struct {
	gen  generation.Provider
	busy *Busy

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New creates a dispatcher. A nil busy flag gets a private one.
func New(gen generation.Provider, busy *Busy) *Dispatcher {
	if busy == nil {
		busy = NewBusy()
	}
	return &Dispatcher{gen: gen, busy: busy}
}

func (d *Dispatcher) Busy() *Busy { return d.busy }

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// InFlight reports whether a submission is being processed.
func (d *Dispatcher) InFlight() bool {
	s := d.State()
	return s == StateSubmitting || s == StateStreaming
}

// Cancel stops the in-flight submission, if any.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Valid reports whether a submission may be dispatched with the given
// selections.
func Valid(sel domain.Selections, sub Submission) bool {
	if strings.TrimSpace(sub.Prompt) == "" || !sel.Ready() || !sel.Capability.Valid() {
		return false
	}
	if sel.Editing() && strings.TrimSpace(sub.Image) == "" {
		return false
	}
	return true
}

// Submit validates the submission, appends the user message and an assistant
// draft to th, and fills the draft from the generation backend. Both messages
// are appended before any generation call is made.
//
// Invalid submissions return a zero Result and a nil error. Generation
// failures are recorded on the draft and returned.
func (d *Dispatcher) Submit(ctx context.Context, th *thread.Thread, sel domain.Selections, sub Submission) (Result, error) {
	if !Valid(sel, sub) {
		return Result{State: d.State()}, nil
	}

	d.mu.Lock()
	if d.state == StateSubmitting || d.state == StateStreaming {
		d.mu.Unlock()
		return Result{State: d.State()}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	d.state = StateSubmitting
	d.cancel = cancel
	d.mu.Unlock()

	d.busy.set(true)
	defer func() {
		cancel()
		d.busy.set(false)
		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()
	}()

	req := generation.Request{
		Provider: strings.TrimSpace(sel.Provider),
		Model:    strings.TrimSpace(sel.Model),
		Prompt:   strings.TrimSpace(sub.Prompt),
	}
	log := slog.With("thread", th.ID(), "capability", sel.Capability, "provider", req.Provider, "model", req.Model)
	log.Info("Dispatching submission", "imageMode", sel.ImageMode)

	s := &submission{d: d, th: th, req: req, cap: sel.Capability, log: log}
	switch {
	case sel.Capability == domain.CapabilityText:
		return s.text(ctx)
	case sel.Editing():
		s.req.Image = domain.PayloadFromDataURL(sub.Image)
		return s.editImage(ctx, sub.Image)
	case sel.Capability == domain.CapabilityImage:
		return s.generateImages(ctx)
	case sel.Capability == domain.CapabilityVideo:
		s.req.Image = domain.PayloadFromDataURL(sub.Image)
		return s.generateVideo(ctx)
	default:
		return s.generateAudio(ctx)
	}
}

func (d *Dispatcher) setState(st State) {
	d.mu.Lock()
	d.state = st
	d.mu.Unlock()
}

// submission carries the per-call state of one Submit.
type submission struct {
	d   *Dispatcher
	th  *thread.Thread
	req generation.Request
	cap domain.Capability
	log *slog.Logger
	res Result
}

func (s *submission) begin(userParts []domain.Part) {
	user := s.th.AddMessage(s.req.Provider, s.cap, s.req.Model, userParts, domain.RoleUser)
	draft := s.th.AddMessage(s.req.Provider, s.cap, s.req.Model, nil, domain.RoleAssistant)
	s.res.Accepted = true
	s.res.UserMessageID = user.ID
	s.res.DraftID = draft.ID
}

func (s *submission) done() (Result, error) {
	s.d.setState(StateDone)
	s.res.State = StateDone
	return s.res, nil
}

func (s *submission) fail(ctx context.Context, err error) (Result, error) {
	if ctx.Err() != nil {
		s.res.Cancelled = true
	}
	s.log.Error("Generation failed", "error", err, "cancelled", s.res.Cancelled)
	s.th.MarkFailed(s.res.DraftID, err)
	s.d.setState(StateFailed)
	s.res.State = StateFailed
	s.res.Err = err
	return s.res, err
}

func (s *submission) text(ctx context.Context) (Result, error) {
	s.begin([]domain.Part{domain.NewTextPart(s.req.Prompt)})
	s.d.setState(StateStreaming)

	first := true
	for chunk, err := range s.d.gen.StreamText(ctx, s.req) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return s.fail(ctx, err)
		}
		if chunk == "" {
			continue
		}
		if first {
			first = false
			s.d.busy.set(false)
		}
		s.th.AppendTextToMessage(s.res.DraftID, chunk)
	}
	if ctx.Err() != nil {
		s.res.Cancelled = true
		s.log.Info("Text stream cancelled")
	}
	return s.done()
}

func (s *submission) generateImages(ctx context.Context) (Result, error) {
	s.begin([]domain.Part{domain.NewTextPart(s.req.Prompt)})

	images, err := s.d.gen.GenerateImages(ctx, s.req)
	if err != nil {
		return s.fail(ctx, err)
	}
	parts := make([]domain.Part, 0, len(images))
	for _, img := range images {
		parts = append(parts, imagePart(img))
	}
	if len(parts) == 0 {
		return s.fail(ctx, ErrEmptyResult)
	}
	s.th.AppendPartsToMessage(s.res.DraftID, parts)
	return s.done()
}

func (s *submission) editImage(ctx context.Context, uploaded string) (Result, error) {
	original := domain.DataURL(uploaded, domain.MimeTypeFor(domain.PartImage))
	s.begin([]domain.Part{
		domain.NewImagePart(domain.ImagePart{InlineData: original}),
		domain.NewTextPart(s.req.Prompt),
	})

	img, err := s.d.gen.EditImage(ctx, s.req)
	if err != nil {
		return s.fail(ctx, err)
	}
	if img == nil {
		return s.fail(ctx, ErrEmptyResult)
	}
	part := imagePart(*img)
	part.Image.OriginalImage = &domain.ImageSource{InlineData: original}
	part.Image.EditPrompt = s.req.Prompt
	s.th.AppendPartsToMessage(s.res.DraftID, []domain.Part{part})
	return s.done()
}

func (s *submission) generateVideo(ctx context.Context) (Result, error) {
	s.begin([]domain.Part{domain.NewTextPart(s.req.Prompt)})

	videos, err := s.d.gen.GenerateVideo(ctx, s.req)
	if err != nil {
		return s.fail(ctx, err)
	}
	parts := make([]domain.Part, 0, len(videos))
	for _, v := range videos {
		parts = append(parts, domain.NewVideoPart(domain.VideoPart{
			RemoteURL: v.URL,
			RemoteRef: v.Ref,
			Metadata:  v.Metadata,
		}))
	}
	if len(parts) == 0 {
		return s.fail(ctx, ErrEmptyResult)
	}
	s.th.AppendPartsToMessage(s.res.DraftID, parts)
	return s.done()
}

func (s *submission) generateAudio(ctx context.Context) (Result, error) {
	s.begin([]domain.Part{domain.NewTextPart(s.req.Prompt)})

	audio, err := s.d.gen.GenerateAudio(ctx, s.req)
	if err != nil {
		return s.fail(ctx, err)
	}
	if audio == nil || audio.Data == "" {
		return s.fail(ctx, ErrEmptyResult)
	}
	s.th.AppendPartsToMessage(s.res.DraftID, []domain.Part{domain.NewAudioPart(domain.AudioPart{
		InlineData: domain.DataURL(audio.Data, domain.AudioMimeType(audio.Format)),
		Format:     audio.Format,
		Metadata:   audio.Metadata,
	})})
	return s.done()
}

func imagePart(img generation.Image) domain.Part {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = domain.MimeTypeFor(domain.PartImage)
	}
	return domain.NewImagePart(domain.ImagePart{
		InlineData: domain.DataURL(img.Data, mimeType),
		RemoteRef:  img.Ref,
		Metadata:   img.Metadata,
	})
}
