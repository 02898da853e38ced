// Package cli provides the terminal-facing utilities shared by the nevil
// command-line tools: output formatting for monitor snapshots (JSON,
// YAML, raw) and the lipgloss-styled status table the `status`
// subcommand renders.
package cli
