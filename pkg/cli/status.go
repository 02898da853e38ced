package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nevil-robotics/nevil-core/pkg/launch"
)

// Theme defines the color scheme for styled terminal output.
type Theme struct {
	Primary lipgloss.Color
	Good    lipgloss.Color
	Bad     lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Good:    lipgloss.Color("#00d787"),
	Bad:     lipgloss.Color("#ff5f5f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds the styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Good   lipgloss.Style
	Bad    lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Good:   lipgloss.NewStyle().Foreground(t.Good),
		Bad:    lipgloss.NewStyle().Foreground(t.Bad),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// RenderStatus renders a monitor snapshot as the styled table the status
// subcommand prints.
func RenderStatus(snap launch.Snapshot, styles Styles) string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("nevil") + " " +
		styles.Dim.Render("up "+FormatSeconds(snap.UptimeSeconds)) + "\n\n")

	b.WriteString(styles.Header.Render("NODES") + "\n")
	rows := [][]string{{"NAME", "STATUS", "ERRORS", "UPTIME"}}
	for _, n := range snap.Nodes {
		rows = append(rows, []string{
			n.Name,
			n.Status,
			fmt.Sprintf("%d", n.ErrorCount),
			FormatSeconds(n.UptimeSeconds),
		})
	}
	b.WriteString(renderTable(rows, func(row int, col int, cell string) string {
		if row == 0 {
			return styles.Dim.Render(cell)
		}
		if col == 1 {
			if cell == "running" {
				return styles.Good.Render(cell)
			}
			return styles.Bad.Render(cell)
		}
		return cell
	}))

	b.WriteString("\n" + styles.Header.Render("BUS") + "\n")
	fmt.Fprintf(&b, "  messages %d  drops %d  topics %d  subscribers %d  %.1f msg/s\n",
		snap.Bus.MessageCount, snap.Bus.ErrorCount, snap.Bus.TopicCount,
		snap.Bus.SubscriberCount, snap.Bus.MessagesPerSecond)

	b.WriteString("\n" + styles.Header.Render("MICROPHONE") + "\n")
	if snap.Mutex.MicrophoneAvailable {
		b.WriteString("  " + styles.Good.Render("available") + "\n")
	} else {
		b.WriteString("  " + styles.Bad.Render("blocked") +
			styles.Dim.Render(" by "+strings.Join(snap.Mutex.ActiveActivities, ", ")) + "\n")
	}

	b.WriteString("\n" + styles.Header.Render("REALTIME") + "\n")
	state := snap.Realtime.State
	stateStyled := styles.Bad.Render(state)
	if state == "connected" {
		stateStyled = styles.Good.Render(state)
	}
	fmt.Fprintf(&b, "  %s  sent %d  received %d  queued %d  reconnects %d\n",
		stateStyled, snap.Realtime.MessagesSent, snap.Realtime.MessagesReceived,
		snap.Realtime.QueuedOffline, snap.Realtime.ReconnectAttempts)

	return b.String()
}

// renderTable pads cells into aligned columns; style receives the raw
// cell and returns the rendered form, so width math is done on plain
// text.
func renderTable(rows [][]string, style func(row, col int, cell string) string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	for r, row := range rows {
		b.WriteString("  ")
		for c, cell := range row {
			padded := cell + strings.Repeat(" ", widths[c]-len(cell))
			styled := padded
			if style != nil {
				styled = style(r, c, cell) + strings.Repeat(" ", widths[c]-len(cell))
			}
			b.WriteString(styled)
			if c < len(row)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
