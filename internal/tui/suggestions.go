package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SuggestionItem is one completion offered under the command bar.
type SuggestionItem struct {
	Text        string
	Description string
}

// menu is the set of completions opened by one trigger character.
type menu struct {
	title string
	items []SuggestionItem
}

var menus = map[byte]menu{
	'/': {title: "Commands", items: []SuggestionItem{
		{"submit", "Send a normal work item"},
		{"high", "Send a priority work item"},
		{"order", "order <customer> | <address> | <items>"},
		{"workers", "Show the worker pool"},
		{"partners", "Show delivery partners"},
		{"records", "Show recent decisions"},
		{"help", "List commands"},
		{"quit", "Leave the dashboard"},
	}},
	'!': {title: "Load actions", items: []SuggestionItem{
		{"burst", "Submit 10 normal and 10 priority items"},
		{"rush", "Assign three orders back to back"},
	}},
}

// maxVisibleSuggestions caps the dropdown height.
const maxVisibleSuggestions = 5

// Suggestions tracks the completion dropdown for the command bar. It opens
// while the input is a trigger character followed by a single word.
type Suggestions struct {
	active  *menu
	matches []SuggestionItem
	cursor  int
}

// NewSuggestions returns a closed dropdown.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// Update recomputes matches for the current input.
func (s *Suggestions) Update(input string) {
	s.active, s.matches, s.cursor = nil, nil, 0
	if input == "" || strings.ContainsRune(input, ' ') {
		return
	}

	m, ok := menus[input[0]]
	if !ok {
		return
	}
	s.active = &m
	s.matches = rank(m.items, strings.ToLower(input[1:]))
}

// rank keeps items containing query, with prefix matches first.
func rank(items []SuggestionItem, query string) []SuggestionItem {
	var out []SuggestionItem
	for _, it := range items {
		if strings.Contains(it.Text, query) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.HasPrefix(out[i].Text, query) && !strings.HasPrefix(out[j].Text, query)
	})
	return out
}

// Next moves the highlight down, wrapping.
func (s *Suggestions) Next() {
	if n := len(s.matches); n > 0 {
		s.cursor = (s.cursor + 1) % n
	}
}

// Prev moves the highlight up, wrapping.
func (s *Suggestions) Prev() {
	if n := len(s.matches); n > 0 {
		s.cursor = (s.cursor + n - 1) % n
	}
}

// Selected returns the highlighted item, or nil when the dropdown is closed.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() {
		return nil
	}
	return &s.matches[s.cursor]
}

// IsVisible reports whether the dropdown has anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.active != nil && len(s.matches) > 0
}

var (
	dropdownStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(primaryColor).
			PaddingLeft(1)

	dropdownTitleStyle = lipgloss.NewStyle().Foreground(cyanColor).Bold(true)
	highlightStyle     = lipgloss.NewStyle().Foreground(fgColor).Background(primaryColor)
	hintStyle          = lipgloss.NewStyle().Foreground(mutedColor)
)

// Render draws the dropdown. It returns "" when closed.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	nameWidth := 0
	for _, it := range s.matches {
		if len(it.Text) > nameWidth {
			nameWidth = len(it.Text)
		}
	}

	// Scroll so the highlighted row is always on screen.
	start := 0
	if s.cursor >= maxVisibleSuggestions {
		start = s.cursor - maxVisibleSuggestions + 1
	}
	end := start + maxVisibleSuggestions
	if end > len(s.matches) {
		end = len(s.matches)
	}

	lines := []string{dropdownTitleStyle.Render(s.active.title)}
	for i := start; i < end; i++ {
		it := s.matches[i]
		name := fmt.Sprintf("%-*s", nameWidth, it.Text)
		if i == s.cursor {
			lines = append(lines, highlightStyle.Render(name)+"  "+it.Description)
			continue
		}
		lines = append(lines, name+"  "+hintStyle.Render(it.Description))
	}
	if hidden := len(s.matches) - (end - start); hidden > 0 {
		lines = append(lines, hintStyle.Render(fmt.Sprintf("(%d more, ↑↓ to scroll)", hidden)))
	}

	style := dropdownStyle
	if width > 4 {
		style = style.MaxWidth(width)
	}
	return style.Render(strings.Join(lines, "\n"))
}
