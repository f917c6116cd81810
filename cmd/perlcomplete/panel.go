package main

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// panel is a read-only scrollable view of a rendered usage report.
// Row 0 is the title bar; the text starts on row 1.
type panel struct {
	title  string
	lines  []string
	top    int
	height int // Rows available for text; set by draw.
}

func newPanel(title, text string) *panel {
	return &panel{
		title: title,
		lines: strings.Split(strings.TrimRight(text, "\n"), "\n"),
	}
}

func (p *panel) maxTop() int {
	if m := len(p.lines) - p.height; m > 0 {
		return m
	}
	return 0
}

func (p *panel) scroll(delta int) {
	p.top += delta
	if p.top > p.maxTop() {
		p.top = p.maxTop()
	}
	if p.top < 0 {
		p.top = 0
	}
}

// handleKey applies a key press and reports whether the panel should close.
func (p *panel) handleKey(ev *tcell.EventKey) bool {
	page := p.height - 1
	if page < 1 {
		page = 1
	}
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		p.scroll(-1)
	case tcell.KeyDown:
		p.scroll(1)
	case tcell.KeyPgUp:
		p.scroll(-page)
	case tcell.KeyPgDn:
		p.scroll(page)
	case tcell.KeyHome:
		p.top = 0
	case tcell.KeyEnd:
		p.top = p.maxTop()
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			return true
		case 'k':
			p.scroll(-1)
		case 'j':
			p.scroll(1)
		case ' ':
			p.scroll(page)
		}
	}
	return false
}

func (p *panel) draw(screen tcell.Screen) {
	width, height := screen.Size()
	p.height = height - 1
	p.scroll(0)
	screen.Clear()

	titleStyle := tcell.StyleDefault.Reverse(true)
	for x := 0; x < width; x++ {
		screen.SetContent(x, 0, ' ', nil, titleStyle)
	}
	drawText(screen, 0, 0, width, " "+p.title+"  (q to close)", titleStyle)

	for row := 0; row < p.height && p.top+row < len(p.lines); row++ {
		line := p.lines[p.top+row]
		style := tcell.StyleDefault
		if isFileHeader(line) {
			style = style.Bold(true)
		}
		drawText(screen, 0, row+1, width, line, style)
	}
	screen.Show()
}

// isFileHeader matches the "path:" lines; numbered lines start with a digit or padding.
func isFileHeader(line string) bool {
	if line == "" || line == ".." || !strings.HasSuffix(line, ":") {
		return false
	}
	c := line[0]
	return c != ' ' && (c < '0' || c > '9')
}

func drawText(screen tcell.Screen, x, y, width int, text string, style tcell.Style) {
	for _, r := range text {
		if x >= width {
			return
		}
		screen.SetContent(x, y, r, nil, style)
		x++
	}
}

// runPanel shows text on screen until the user closes it.
func runPanel(screen tcell.Screen, title, text string) error {
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	p := newPanel(title, text)
	p.draw(screen)
	for {
		switch ev := screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			screen.Sync()
			p.draw(screen)
		case *tcell.EventKey:
			if p.handleKey(ev) {
				return nil
			}
			p.draw(screen)
		}
	}
}
