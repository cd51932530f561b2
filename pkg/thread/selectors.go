package thread

import "github.com/nstogner/celeste/pkg/domain"

// Images returns every image part in the thread, oldest first.
func (t *Thread) Images() []domain.ImagePart {
	var out []domain.ImagePart
	for _, m := range t.Messages() {
		for _, p := range m.Parts {
			if p.Kind == domain.PartImage && p.Image != nil {
				out = append(out, *p.Image)
			}
		}
	}
	return out
}

// Videos returns every video part in the thread, oldest first.
func (t *Thread) Videos() []domain.VideoPart {
	var out []domain.VideoPart
	for _, m := range t.Messages() {
		for _, p := range m.Parts {
			if p.Kind == domain.PartVideo && p.Video != nil {
				out = append(out, *p.Video)
			}
		}
	}
	return out
}

// FirstUserText returns the text of the first user message that has any.
func (t *Thread) FirstUserText() string {
	for _, m := range t.Messages() {
		if m.Role != domain.RoleUser {
			continue
		}
		if s := m.Text(); s != "" {
			return s
		}
	}
	return ""
}
