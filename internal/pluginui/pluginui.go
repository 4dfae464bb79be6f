// Package pluginui provides a minimal embeddable Fyne surface for a
// module's inline display and Control-port sliders, adapted from the
// teacher's FyneUI widget/window construction. GUI toolkits never talk to
// the graph directly — every edit posted here goes out through a
// msgplane.Plane, the same boundary a remote UI client would cross.
package pluginui

import (
	"fmt"
	"image"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"audiorack/internal/atom"
	"audiorack/internal/module"
	"audiorack/internal/msgplane"
	"audiorack/internal/port"
	"audiorack/internal/urid"
)

// ControlSlider pairs a module's Control port index with the Fyne slider
// that edits it.
type ControlSlider struct {
	PortIndex int
	Symbol    string
	Widget    *widget.Slider
}

// ModuleWindow is a single module's plugin-UI panel: one slider per Control
// input port, plus an inline-display canvas if the module provides one.
type ModuleWindow struct {
	app    fyne.App
	window fyne.Window
	plane  *msgplane.Plane
	u      *urid.Map
	m      *module.Module

	sliders []ControlSlider
	display *canvas.Image
}

// NewModuleWindow builds a plugin-UI panel for m. Every slider change is
// posted to plane as a patch:Set event rather than writing m's port
// directly, matching the message-plane-only communication boundary.
func NewModuleWindow(m *module.Module, plane *msgplane.Plane, u *urid.Map) *ModuleWindow {
	a := app.NewWithID(fmt.Sprintf("audiorack.moduleui.%d", m.URN))
	w := a.NewWindow(m.PluginURI)

	mw := &ModuleWindow{app: a, window: w, plane: plane, u: u, m: m}

	rows := make([]fyne.CanvasObject, 0, len(m.Ports))
	for _, p := range m.Ports {
		if p == m.AutomationIn || p == m.AutomationOut {
			continue
		}
		if p.Direction != port.Input || p.Type != port.Control {
			continue
		}
		sym := p.Symbol
		portIdx := p.Index
		slider := widget.NewSlider(float64(p.Control.Min), float64(p.Control.Max))
		slider.SetValue(float64(p.Control.Default))
		slider.OnChanged = func(v float64) {
			mw.postControlSet(portIdx, float32(v))
		}
		rows = append(rows, widget.NewLabel(sym), slider)
		mw.sliders = append(mw.sliders, ControlSlider{PortIndex: portIdx, Symbol: sym, Widget: slider})
	}

	if m.InlineDisplay != nil {
		blank := image.NewRGBA(image.Rect(0, 0, 1, 1))
		img := canvas.NewImageFromImage(blank)
		img.FillMode = canvas.ImageFillOriginal
		mw.display = img
		rows = append(rows, img)
	}

	w.SetContent(container.NewVBox(rows...))
	return mw
}

// postControlSet encodes a patch:Set-shaped control edit and posts it to the
// ui->app ring; internal/engine's applyControlPortSet on the app side
// applies it to the live port, never this widget.
func (mw *ModuleWindow) postControlSet(portIndex int, value float32) {
	subjectURI := fmt.Sprintf("urn:audiorack:module:%d:port:%d", mw.m.URN, portIndex)
	msg := atom.ObjectValue(0, mw.u.Map(urid.URIPatchSet),
		atom.Property{Key: mw.u.Map(urid.URIPatchSubject), Value: atom.URIValue(subjectURI)},
		atom.Property{Key: mw.u.Map(urid.URIPatchValue), Value: atom.Float32(value)},
	)
	mw.plane.PostUIEvent(msg)
}

// RefreshInlineDisplay pulls the module's current inline-display frame (raw
// RGBA pixels, row-major, per spec.md §3 inline-display attribute) and pushes
// it onto the canvas.
func (mw *ModuleWindow) RefreshInlineDisplay(w, h int) {
	if mw.display == nil || mw.m.InlineDisplay == nil {
		return
	}
	pix := mw.m.InlineDisplay(w, h)
	if len(pix) != w*h*4 {
		return
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, pix)
	mw.display.Image = img
	mw.display.Refresh()
}

// Show displays the window without blocking; it does not enter the Fyne
// main loop.
func (mw *ModuleWindow) Show() {
	mw.window.Show()
}

// Close closes the window; the Fyne app instance is not quit.
func (mw *ModuleWindow) Close() {
	mw.window.Close()
}
