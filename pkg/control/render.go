package control

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
)

var stateColors = map[supervisor.State]*color.Color{
	supervisor.StateRunning:  color.New(color.FgGreen),
	supervisor.StateStarting: color.New(color.FgCyan),
	supervisor.StateStopping: color.New(color.FgYellow),
	supervisor.StateBackoff:  color.New(color.FgYellow),
	supervisor.StateCrashed:  color.New(color.FgRed),
	supervisor.StateDisabled: color.New(color.FgRed, color.Bold),
	supervisor.StateStopped:  color.New(color.FgHiBlack),
}

var header = []string{"NAME", "STATE", "PID", "UPTIME", "RESTARTS", "CRASHES", "MEMORY", "WATCH"}

// WriteTable prints one row per unit
func WriteTable(w io.Writer, units []supervisor.Snapshot) {
	if len(units) == 0 {
		fmt.Fprintln(w, "no units")
		return
	}

	rows := make([][]string, 0, len(units))
	for _, u := range units {
		rows = append(rows, []string{
			u.Name,
			string(u.State),
			pid(u.PID),
			uptime(u),
			fmt.Sprint(u.Restarts),
			fmt.Sprint(u.Crashes),
			memory(u),
			onOff(u.Watching),
		})
	}

	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	writeRow(w, header, widths, nil)
	for i, row := range rows {
		writeRow(w, row, widths, stateColors[units[i].State])
	}
}

// writeRow pads before colouring so escape codes do not skew columns
func writeRow(w io.Writer, cells []string, widths []int, state *color.Color) {
	var b strings.Builder
	for i, cell := range cells {
		padded := cell
		if i < len(cells)-1 {
			padded = fmt.Sprintf("%-*s  ", widths[i], cell)
		}
		if i == 1 && state != nil {
			padded = state.Sprint(padded)
		}
		b.WriteString(padded)
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
}

// WriteDetail prints everything known about one unit
func WriteDetail(w io.Writer, u supervisor.Snapshot) {
	state := string(u.State)
	if c, ok := stateColors[u.State]; ok {
		state = c.Sprint(state)
	}

	field := func(name, value string) {
		fmt.Fprintf(w, "%-14s %s\n", name+":", value)
	}
	field("name", u.Name)
	field("script", u.Script)
	field("state", state)
	field("pid", pid(u.PID))
	field("uptime", uptime(u))
	field("restarts", fmt.Sprint(u.Restarts))
	field("crashes", fmt.Sprint(u.Crashes))
	if u.NextRestart > 0 {
		field("next restart", "in "+u.NextRestart.Round(time.Millisecond).String())
	}
	if u.LastExit != nil {
		field("last exit", u.LastExit.String())
	}
	if u.LastError != "" {
		field("last error", fmt.Sprintf("%s (%s)", u.LastError, u.LastErrorKind))
	}
	field("memory", memory(u))
	field("watching", onOff(u.Watching))
	field("stdout", u.Logs.Out)
	field("stderr", u.Logs.Err)

	logs := fmt.Sprintf("%s written", descriptor.FormatMemory(uint64(u.LogStats.Written)))
	if u.LogStats.Dropped > 0 || u.LogStats.WriteErrors > 0 {
		logs += fmt.Sprintf(", %d dropped, %d write errors", u.LogStats.Dropped, u.LogStats.WriteErrors)
	}
	field("logs", logs)
	if u.LogStats.LastError != "" {
		field("log error", u.LogStats.LastError)
	}
}

// WriteReload summarises a reload
func WriteReload(w io.Writer, r supervisor.ReloadResult) {
	if r.Empty() {
		fmt.Fprintln(w, "configuration unchanged")
		return
	}
	for _, group := range []struct {
		label string
		names []string
		color *color.Color
	}{
		{"added", r.Added, color.New(color.FgGreen)},
		{"removed", r.Removed, color.New(color.FgRed)},
		{"changed", r.Changed, color.New(color.FgYellow)},
	} {
		if len(group.names) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", group.color.Sprintf("%-8s", group.label), strings.Join(group.names, ", "))
	}
}

func pid(p int) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprint(p)
}

func uptime(u supervisor.Snapshot) string {
	if !u.State.Alive() || u.Uptime <= 0 {
		return "-"
	}
	return u.Uptime.Round(time.Second).String()
}

func memory(u supervisor.Snapshot) string {
	if u.Memory == 0 && u.MemoryLimit == 0 {
		return "-"
	}
	s := descriptor.FormatMemory(u.Memory)
	if u.MemoryLimit > 0 {
		s += " / " + descriptor.FormatMemory(u.MemoryLimit)
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
