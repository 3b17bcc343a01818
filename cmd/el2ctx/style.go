package main

import (
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

type styles struct {
	enabled bool
	ok      ansi.Style
	bad     ansi.Style
	skip    ansi.Style
	head    ansi.Style
}

func newStyles(f *os.File) styles {
	return styles{
		enabled: term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == "",
		ok:      ansi.Style{}.Bold().ForegroundColor(ansi.Green),
		bad:     ansi.Style{}.Bold().ForegroundColor(ansi.Red),
		skip:    ansi.Style{}.ForegroundColor(ansi.Yellow),
		head:    ansi.Style{}.Bold(),
	}
}

func (s styles) apply(st ansi.Style, text string) string {
	if !s.enabled {
		return text
	}
	return st.Styled(text)
}

func (s styles) OK(text string) string     { return s.apply(s.ok, text) }
func (s styles) Bad(text string) string    { return s.apply(s.bad, text) }
func (s styles) Skip(text string) string   { return s.apply(s.skip, text) }
func (s styles) Header(text string) string { return s.apply(s.head, text) }
