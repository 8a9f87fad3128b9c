// Package console renders an interactive terminal conversation with the bot
// through the in-process console channel.
package console

import (
	"context"
	"errors"

	"chatflow/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
)

// SubmitFunc hands one typed line to the console channel.
type SubmitFunc func(ctx context.Context, text string) bool

// Session is what the TUI needs from a running bot.
type Session struct {
	BotName string
	UserID  string
	Submit  SubmitFunc
	Replies <-chan bus.OutboundMessage
	// Events is optional. Without it the header cannot show the user's state.
	Events <-chan bus.Event
}

// Run blocks until the user quits or ctx is done.
func Run(ctx context.Context, session Session) error {
	if session.Submit == nil {
		return errors.New("submit function is required")
	}
	if session.Replies == nil {
		return errors.New("reply stream is required")
	}

	program := tea.NewProgram(newModel(ctx, session), tea.WithContext(ctx), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}

	return err
}
