// Package ui provides small colored-text helpers for syncrowctl's
// non-interactive console output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// RenderAccent highlights informational text, e.g. an in-progress action.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass highlights a successful outcome.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn highlights a recoverable problem.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail highlights a fatal problem.
func RenderFail(s string) string { return failStyle.Render(s) }
