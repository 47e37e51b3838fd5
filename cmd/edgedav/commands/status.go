package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/edgedav/internal/cli/output"
	"github.com/marmos91/edgedav/pkg/api"
	"github.com/marmos91/edgedav/pkg/apiclient"
	"github.com/marmos91/edgedav/pkg/connectivity"
)

const statusTimeout = 3 * time.Second

var (
	statusOutput  string
	statusAPIURL  string
	statusNoColor bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long: `Display the status of a running edgedav node.

Queries the status API and shows the link state, admission usage, open
files, volume usage, and memory.

Examples:
  # Check the local node
  edgedav status

  # Check a node on the network
  edgedav status --api-url http://192.168.4.2:8080

  # Output as JSON
  edgedav status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIURL, "api-url", fmt.Sprintf("http://localhost:%d", api.DefaultPort), "Status API base URL")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "Disable colored output")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	status, err := apiclient.New(statusAPIURL).WithTimeout(statusTimeout).Status(ctx)
	if err != nil {
		return fmt.Errorf("node not reachable at %s: %w", statusAPIURL, err)
	}

	if format != output.FormatTable {
		return output.Print(os.Stdout, format, status)
	}
	return printStatus(os.Stdout, status, !statusNoColor)
}

// printStatus renders the human-readable report.
func printStatus(w io.Writer, s *api.Status, color bool) error {
	title := s.Service
	if s.Version != "" {
		title += " " + s.Version
	}

	node := output.NewSection(title).
		Add("Ready", readyLabel(s.Ready, color)).
		Add("Uptime", s.Uptime)
	if !s.StartedAt.IsZero() {
		node.Add("Started", s.StartedAt.Local().Format(time.DateTime))
	}

	c := s.Connectivity
	conn := output.NewSection("Connectivity").
		Add("State", stateLabel(c.State, color)).
		Add("SSID", c.SSID).
		Add("Driver", c.Driver)
	if c.Address != "" {
		conn.Add("Address", c.Address)
	}
	if !c.Since.IsZero() {
		conn.Add("Since", humanize.Time(c.Since))
	}
	conn.Add("Failures", c.Failures).Add("Transitions", c.Transitions)
	if c.LastError != "" {
		conn.Add("Last error", c.LastError)
	}

	server := output.NewSection("Server")
	if srv := s.Server; srv != nil {
		server.
			Add("Requests", srv.Requests).
			Add("Connections", fmt.Sprintf("%d active, %d accepted", srv.ActiveConnections, srv.AcceptedConnections)).
			Add("Admission", fmt.Sprintf("%d/%d in use, %d waiting", srv.Admission.InUse, srv.Admission.Capacity, srv.Admission.Waiting))
	}
	if f := s.Files; f != nil {
		server.Add("Open files", fmt.Sprintf("%d/%d (%d rejected)", f.OpenFiles, f.MaxOpenFiles, f.Rejected))
	}

	vol := output.NewSection("Volume")
	if v := s.Volume; v != nil {
		vol.Add("Root", v.Root).Add("Driver", v.Driver)
		switch {
		case v.Usage != nil:
			vol.Add("Used", fmt.Sprintf("%s of %s (%.1f%%)",
				humanize.IBytes(v.Usage.Used), humanize.IBytes(v.Usage.Total), v.Usage.UsedPercent))
		case v.UsageError != "":
			vol.Add("Usage", v.UsageError)
		}
	}

	mem := output.NewSection("Memory")
	if m := s.Memory; m != nil {
		mem.Add("Heap", fmt.Sprintf("%s in use, %s reserved", humanize.IBytes(m.HeapAlloc), humanize.IBytes(m.HeapSys))).
			Add("Goroutines", m.Goroutines)
		if m.MemTotal > 0 {
			mem.Add("System", fmt.Sprintf("%s available of %s", humanize.IBytes(m.MemAvailable), humanize.IBytes(m.MemTotal)))
		}
	}

	return output.PrintSections(w, node, conn, server, vol, mem)
}

func readyLabel(ready bool, color bool) string {
	if ready {
		return output.Colorize("yes", "green", color)
	}
	return output.Colorize("no", "yellow", color)
}

func stateLabel(state connectivity.State, color bool) string {
	switch state {
	case connectivity.Associated:
		return output.Colorize(state.String(), "green", color)
	case connectivity.Disconnected:
		return output.Colorize(state.String(), "red", color)
	default:
		return output.Colorize(state.String(), "yellow", color)
	}
}
