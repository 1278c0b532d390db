package termbridge

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/hinshun/vt10x"
)

// Emulator renders frames. Display is called from one goroutine at a time.
type Emulator interface {
	Display(Frame)
}

// VTScreen is a headless emulator backed by vt10x. It keeps the banners it
// was shown separately from the screen contents so callers can tell the
// two apart.
type VTScreen struct {
	mu      sync.Mutex
	vt      vt10x.Terminal
	carry   UTF8Carry
	banners []string
	size    Size
}

func NewVTScreen(size Size) *VTScreen {
	if !size.Valid() {
		size = Size{Cols: 80, Rows: 24}
	}
	return &VTScreen{
		vt:   vt10x.New(vt10x.WithSize(size.Cols, size.Rows)),
		size: size,
	}
}

func (s *VTScreen) Display(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Kind {
	case FrameOutput:
		if data := s.carry.Push(f.Data); len(data) > 0 {
			_, _ = s.vt.Write(data)
		}
	case FrameBanner:
		s.banners = append(s.banners, f.Text)
		_, _ = s.vt.Write([]byte("\r\n[" + f.Text + "]\r\n"))
	case FrameControl:
		if f.Size.Valid() && f.Size != s.size {
			s.size = f.Size
			s.vt.Resize(f.Size.Cols, f.Size.Rows)
		}
	}
}

func (s *VTScreen) Banners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.banners...)
}

func (s *VTScreen) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Text returns the visible screen, one line per row with trailing blanks
// removed.
func (s *VTScreen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, rows := s.vt.Size()
	lines := make([]string, 0, rows)
	var b strings.Builder
	for y := 0; y < rows; y++ {
		b.Reset()
		for x := 0; x < cols; x++ {
			ch := s.vt.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

var bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))

// WriterEmulator passes output straight to a real terminal. Geometry is
// owned by that terminal, so control frames are ignored.
type WriterEmulator struct {
	mu  sync.Mutex
	out io.Writer
}

func NewWriterEmulator(out io.Writer) *WriterEmulator {
	return &WriterEmulator{out: out}
}

func (w *WriterEmulator) Display(f Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch f.Kind {
	case FrameOutput:
		_, _ = w.out.Write(f.Data)
	case FrameBanner:
		_, _ = io.WriteString(w.out, "\r\n"+bannerStyle.Render("[taskdeck] "+f.Text)+"\r\n")
	}
}
