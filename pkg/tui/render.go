package tui

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/celeste/pkg/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	messageStyle = lipgloss.NewStyle().PaddingLeft(2)
	mediaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).PaddingLeft(2)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// newRenderer uses the "light" style so glamour does not query the terminal;
// the query response would leak into the input.
func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(width),
	)
	return r
}

// renderMessages renders a conversation transcript. r may be nil.
func renderMessages(msgs []*domain.Message, r *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("You: "))
		case domain.RoleAssistant:
			label := "AI"
			if msg.Model != "" {
				label = msg.Provider + "/" + msg.Model
			}
			sb.WriteString(senderStyle.Render(label + ": "))
		default:
			sb.WriteString(dimStyle.Render(string(msg.Role) + ": "))
		}
		sb.WriteString("\n")

		if msg.IsDraft() && msg.Error == "" {
			sb.WriteString(messageStyle.Render(dimStyle.Render("...")))
			sb.WriteString("\n")
		}
		for _, p := range msg.Parts {
			if s := renderPart(p, r); s != "" {
				sb.WriteString(s)
				sb.WriteString("\n")
			}
		}
		if msg.Error != "" {
			sb.WriteString(errorStyle.Render("Error: " + msg.Error))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderPart(p domain.Part, r *glamour.TermRenderer) string {
	if p.Degraded() {
		return mediaStyle.Render(fmt.Sprintf("[%s unavailable]", p.Kind))
	}
	switch p.Kind {
	case domain.PartText:
		if p.IsEmptyText() {
			return ""
		}
		if r != nil {
			if out, err := r.Render(p.Text.Content); err == nil {
				return out
			}
		}
		return messageStyle.Render(p.Text.Content)
	case domain.PartImage:
		line := "[image " + describeMedia(p.Image.InlineData, p.Image.RemoteRef) + "]"
		if p.Image.EditPrompt != "" {
			line += fmt.Sprintf(" edited: %q", p.Image.EditPrompt)
		}
		return mediaStyle.Render(line)
	case domain.PartVideo:
		ref := p.Video.RemoteURL
		if ref == "" {
			ref = p.Video.RemoteRef
		}
		return mediaStyle.Render("[video " + ref + "]")
	case domain.PartAudio:
		return mediaStyle.Render("[audio " + describeMedia(p.Audio.InlineData, "") + "]")
	}
	return ""
}

func describeMedia(inline, ref string) string {
	if inline == "" {
		return ref
	}
	mime := domain.MimeTypeFromDataURL(inline)
	if mime == "" {
		mime = "inline"
	}
	n := base64.StdEncoding.DecodedLen(len(domain.PayloadFromDataURL(inline)))
	return fmt.Sprintf("%s, %s", mime, humanBytes(n))
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

// loadImage reads an image file into a data URL.
func loadImage(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mime := http.DetectContentType(b)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return domain.DataURL(base64.StdEncoding.EncodeToString(b), mime), nil
}

// parseCommand splits "/name arg..." input. ok is false for plain prompts.
func parseCommand(input string) (name, arg string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(input[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

const helpText = "/new  /open  /search <q>  /model  /cap <text|image|video|audio>  /mode <generate|edit>  " +
	"/provider [name]  /image <path>  /rename <title>  /delete  /cancel  /exit"
