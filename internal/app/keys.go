package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Attach  key.Binding
	Submit  key.Binding
	Check   key.Binding
	Next    key.Binding
	Prev    key.Binding
	Up      key.Binding
	Down    key.Binding
	Choose  key.Binding
	Delete  key.Binding
	Retry   key.Binding
	LogUp   key.Binding
	LogDown key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Attach: key.NewBinding(
			key.WithKeys("t", "enter"),
			key.WithHelp("t", "open terminal"),
		),
		Submit: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "submit lab"),
		),
		Check: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "check answer"),
		),
		Next: key.NewBinding(
			key.WithKeys("n", "right"),
			key.WithHelp("n/→", "next question"),
		),
		Prev: key.NewBinding(
			key.WithKeys("p", "left"),
			key.WithHelp("p/←", "prev question"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev answer"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next answer"),
		),
		Choose: key.NewBinding(
			key.WithKeys(" "),
			key.WithHelp("space", "choose answer"),
		),
		Delete: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "delete existing session"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		LogUp: key.NewBinding(
			key.WithKeys("pgup", "["),
			key.WithHelp("[", "scroll log up"),
		),
		LogDown: key.NewBinding(
			key.WithKeys("pgdown", "]"),
			key.WithHelp("]", "scroll log down"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Attach, k.Submit, k.Check, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Attach, k.Submit, k.Retry, k.Delete},
		{k.Check, k.Next, k.Prev, k.Up, k.Down, k.Choose},
		{k.LogUp, k.LogDown, k.Help, k.Quit},
	}
}
