package runner

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console renders a View as lines on a terminal.
type Console struct {
	w    io.Writer
	lock sync.Mutex

	download string
	upload   string
	ping     string

	status *color.Color
	label  *color.Color
}

func NewConsole(w io.Writer) *Console {
	return &Console{
		w:      w,
		status: color.New(color.FgCyan, color.Bold),
		label:  color.New(color.FgGreen),
	}
}

func (c *Console) View() View {
	return View{
		Status:   consoleStatus{c},
		Results:  consoleResults{c},
		Download: consoleField{c, &c.download},
		Upload:   consoleField{c, &c.upload},
		Ping:     consoleField{c, &c.ping},
	}
}

type consoleStatus struct {
	c *Console
}

func (s consoleStatus) SetText(text string) {
	s.c.lock.Lock()
	defer s.c.lock.Unlock()

	s.c.status.Fprintln(s.c.w, text)
}

type consoleResults struct {
	c *Console
}

// SetVisible prints the fields when they are revealed. Hiding prints nothing.
func (r consoleResults) SetVisible(visible bool) {
	if !visible {
		return
	}

	c := r.c
	c.lock.Lock()
	defer c.lock.Unlock()

	c.label.Fprint(c.w, "  Download: ")
	io.WriteString(c.w, c.download+" Mbps\n")
	c.label.Fprint(c.w, "  Upload:   ")
	io.WriteString(c.w, c.upload+" Mbps\n")
	c.label.Fprint(c.w, "  Ping:     ")
	io.WriteString(c.w, c.ping+" ms\n")
}

type consoleField struct {
	c *Console
	v *string
}

func (f consoleField) SetText(text string) {
	f.c.lock.Lock()
	*f.v = text
	f.c.lock.Unlock()
}
