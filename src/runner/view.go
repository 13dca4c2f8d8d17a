package runner

import (
	"sync"

	"github.com/pkg/errors"
)

type TextRegion interface {
	SetText(s string)
}

type ToggleRegion interface {
	SetVisible(visible bool)
}

// View is the set of regions a Runner renders into.
type View struct {
	Status   TextRegion
	Results  ToggleRegion
	Download TextRegion
	Upload   TextRegion
	Ping     TextRegion
}

func (v View) validate() error {
	switch {
	case v.Status == nil:
		return errors.New("view: status region is nil")
	case v.Results == nil:
		return errors.New("view: results region is nil")
	case v.Download == nil:
		return errors.New("view: download region is nil")
	case v.Upload == nil:
		return errors.New("view: upload region is nil")
	case v.Ping == nil:
		return errors.New("view: ping region is nil")
	}
	return nil
}

// Text is an in-memory TextRegion.
type Text struct {
	lock sync.RWMutex
	s    string
}

func (t *Text) SetText(s string) {
	t.lock.Lock()
	t.s = s
	t.lock.Unlock()
}

func (t *Text) Text() string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.s
}

// Toggle is an in-memory ToggleRegion. The zero value is hidden.
type Toggle struct {
	lock    sync.RWMutex
	visible bool
}

func (t *Toggle) SetVisible(visible bool) {
	t.lock.Lock()
	t.visible = visible
	t.lock.Unlock()
}

func (t *Toggle) Visible() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.visible
}

type MemoryView struct {
	Status   Text
	Results  Toggle
	Download Text
	Upload   Text
	Ping     Text
}

func (m *MemoryView) View() View {
	return View{
		Status:   &m.Status,
		Results:  &m.Results,
		Download: &m.Download,
		Upload:   &m.Upload,
		Ping:     &m.Ping,
	}
}
