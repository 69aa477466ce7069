package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/worldland/worldland-broker/internal/api"
	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/domain"
)

// PrintHeader prints a section header
func PrintHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n=== %s ===\n", title)
}

// PrintField prints a labeled field
func PrintField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-14s %s\n", label+":", value)
}

// PrintCluster displays every GPU with its usage in a table
func PrintCluster(w io.Writer, c *api.ClusterResponse) {
	mode := "shared"
	if c.SingleTenant {
		mode = "single-tenant"
	}
	PrintHeader(w, fmt.Sprintf("Cluster (%d nodes, buffer %s GB, %s)", len(c.Nodes), c.BufferGB, mode))

	if len(c.Nodes) == 0 {
		fmt.Fprintln(w, "  (no nodes registered)")
		return
	}

	fmt.Fprintf(w, "  %-12s %-6s %-8s %-8s %-10s %-6s %-6s\n", "Node", "GPU", "Max", "Used", "Available", "Procs", "Resv")
	fmt.Fprintf(w, "  %-12s %-6s %-8s %-8s %-10s %-6s %-6s\n",
		strings.Repeat("-", 12), strings.Repeat("-", 6), strings.Repeat("-", 8),
		strings.Repeat("-", 8), strings.Repeat("-", 10), strings.Repeat("-", 6), strings.Repeat("-", 6))

	for _, n := range c.Nodes {
		nodeID := n.NodeID
		if len(nodeID) > 12 {
			nodeID = nodeID[:9] + "..."
		}
		for _, g := range n.GPUs {
			fmt.Fprintf(w, "  %-12s %-6s %-8s %-8s %-10s %-6d %-6d\n",
				nodeID, g.GPUID, g.MaxMemoryGB.StringFixed(2), g.TotalUsageGB.StringFixed(2),
				g.AvailableGB.StringFixed(2), len(g.Processes), len(g.Reservations))
		}
	}
}

// PrintCandidate displays a find result
func PrintCandidate(w io.Writer, c *broker.Candidate) {
	PrintHeader(w, "Best GPU")
	PrintField(w, "Node", c.NodeID)
	PrintField(w, "GPU", c.GPUID)
	PrintField(w, "Available", c.AvailableGB.StringFixed(2)+" GB")
	PrintField(w, "Requested", c.RequestedGB.StringFixed(2)+" GB")
	PrintField(w, "Session", string(c.SessionType))
}

// PrintReserved displays a committed reservation
func PrintReserved(w io.Writer, r *broker.Reserved) {
	PrintHeader(w, "Reserved")
	PrintField(w, "ID", r.ReservationID)
	PrintField(w, "GPU", r.NodeID+"/"+r.GPUID)
	PrintField(w, "User", r.User)
	PrintField(w, "Memory", r.MemoryGB.StringFixed(2)+" GB")
}

// PrintReservations displays reservations in a table format
func PrintReservations(w io.Writer, title string, rs []domain.Reservation) {
	PrintHeader(w, fmt.Sprintf("%s (%d)", title, len(rs)))
	if len(rs) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}

	fmt.Fprintf(w, "  %-36s %-12s %-8s %-20s %-20s\n", "ID", "User", "Memory", "Created", "Released")
	for _, r := range rs {
		released := "-"
		if r.ReleasedAt != nil {
			released = r.ReleasedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "  %-36s %-12s %-8s %-20s %-20s\n",
			r.ID, r.User, r.MemoryGB.StringFixed(2), r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), released)
	}
}

// PrintSuccess prints a success message
func PrintSuccess(w io.Writer, message string) {
	fmt.Fprintf(w, "\n%s\n", message)
}

// PrintError prints an error message
func PrintError(w io.Writer, message string) {
	fmt.Fprintf(w, "\nError: %s\n", message)
}
