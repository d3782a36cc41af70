package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/craftbridge/craftbridge/internal/protocol"
)

// FormatStatus renders a status snapshot as chat-friendly text.
func FormatStatus(serverID string, s *protocol.StatusSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", serverID)
	if !s.Online {
		b.WriteString("offline")
		return b.String()
	}
	fmt.Fprintf(&b, "online, %d/%d players", s.OnlinePlayers, s.MaxPlayers)
	if s.Version != "" {
		fmt.Fprintf(&b, ", version %s", s.Version)
	}
	if len(s.TPS) > 0 {
		fmt.Fprintf(&b, ", TPS %.1f", s.TPS[0])
	}
	return b.String()
}

// FormatInfo renders the detailed server view for the info command.
func FormatInfo(serverID string, s *protocol.StatusSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Server %s\n", serverID)
	if !s.Online {
		b.WriteString("  state: offline")
		return b.String()
	}
	b.WriteString("  state: online\n")
	if s.Version != "" {
		fmt.Fprintf(&b, "  version: %s\n", s.Version)
	}
	fmt.Fprintf(&b, "  players: %d/%d\n", s.OnlinePlayers, s.MaxPlayers)
	if len(s.TPS) > 0 {
		parts := make([]string, len(s.TPS))
		for i, tps := range s.TPS {
			parts[i] = fmt.Sprintf("%.1f", tps)
		}
		fmt.Fprintf(&b, "  tps: %s\n", strings.Join(parts, ", "))
	}
	if s.Memory != nil {
		fmt.Fprintf(&b, "  memory: %d/%d MB\n", s.Memory.UsedMB, s.Memory.MaxMB)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPlayers renders a player list.
func FormatPlayers(serverID string, list *protocol.PlayerList) string {
	if list.Online == 0 {
		return fmt.Sprintf("[%s] no players online", serverID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %d/%d players online\n", serverID, list.Online, list.Max)
	for _, p := range list.Players {
		fmt.Fprintf(&b, "  %s", p.Name)
		if p.World != "" {
			fmt.Fprintf(&b, " (%s)", p.World)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatCommandResult renders console command output.
func FormatCommandResult(serverID string, result protocol.CommandResultPayload) string {
	if !result.Success {
		if result.Output != "" {
			return fmt.Sprintf("[%s] command failed: %s", serverID, result.Output)
		}
		return fmt.Sprintf("[%s] command failed", serverID)
	}
	if result.Output == "" {
		return fmt.Sprintf("[%s] command executed", serverID)
	}
	return fmt.Sprintf("[%s] %s", serverID, result.Output)
}

// FormatServers renders the list command output.
func FormatServers(servers []ServerLine) string {
	if len(servers) == 0 {
		return "No servers registered."
	}
	var b strings.Builder
	b.WriteString("Servers:\n")
	for _, s := range servers {
		fmt.Fprintf(&b, "  %s: %s", s.ServerID, s.State)
		if !s.LastSeen.IsZero() {
			fmt.Fprintf(&b, " (last seen %s ago)", time.Since(s.LastSeen).Round(time.Second))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// HelpText lists the available commands.
func HelpText() string {
	return strings.Join([]string{
		"Commands:",
		"  status          server status summary",
		"  players         online player list",
		"  say <message>   broadcast a chat message in game",
		"  cmd <command>   run a console command",
		"  bind <code>     link your account with an in-game binding code",
		"  info            detailed server information",
		"  list            all registered servers",
		"  reconnect       force the server connection to retry",
		"  help            this text",
	}, "\n")
}
