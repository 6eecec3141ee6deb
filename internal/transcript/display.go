package transcript

import "github.com/MegaGrindStone/chatbot-widget/internal/models"

// NopDisplay discards every notification.
type NopDisplay struct{}

type multiDisplay []Display

// MessageAppended implements Display.
func (NopDisplay) MessageAppended(models.Handle, models.Role, string, models.State) {}

// MessageTextChanged implements Display.
func (NopDisplay) MessageTextChanged(models.Handle, string) {}

// MessageStateChanged implements Display.
func (NopDisplay) MessageStateChanged(models.Handle, models.State) {}

// Displays returns a Display that forwards each notification to every non-nil display, in the order
// given.
func Displays(displays ...Display) Display {
	md := make(multiDisplay, 0, len(displays))
	for _, d := range displays {
		if d != nil {
			md = append(md, d)
		}
	}
	return md
}

func (md multiDisplay) MessageAppended(h models.Handle, role models.Role, text string, state models.State) {
	for _, d := range md {
		d.MessageAppended(h, role, text, state)
	}
}

func (md multiDisplay) MessageTextChanged(h models.Handle, text string) {
	for _, d := range md {
		d.MessageTextChanged(h, text)
	}
}

func (md multiDisplay) MessageStateChanged(h models.Handle, state models.State) {
	for _, d := range md {
		d.MessageStateChanged(h, state)
	}
}
