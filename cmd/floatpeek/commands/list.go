package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List client windows",
	Long: `List the client windows visible to FloatPeek.

With --match only windows whose class, instance or title matches the
application name (or one of its aliases) are shown. Use this to find
the name to put in target_app.`,
	Example: `  # List all windows in table format (default)
  floatpeek list

  # List windows that would be previewed for "music"
  floatpeek list --match music

  # List windows in JSON format
  floatpeek list --format json`,
	RunE: runList,
}

var (
	listFormat string
	listMatch  string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	listCmd.Flags().StringVarP(&listMatch, "match", "m", "", "show only windows matching this application name")
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend, err := window.NewX11Backend()
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	resolver := window.NewResolver(backend, configMgr.Get().Aliases)
	defer resolver.Close()

	windows, err := resolver.List(listMatch)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(windows)
	case "table":
		return printWindowsTable(windows)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func printWindowsTable(windows []*config.WindowInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tCLASS\tINSTANCE\tPID\tSIZE\tTITLE")
	fmt.Fprintln(w, "--\t-----\t--------\t---\t----\t-----")

	for _, win := range windows {
		fmt.Fprintf(w, "0x%08x\t%s\t%s\t%d\t%dx%d\t%s\n",
			win.ID, win.Class, win.Instance, win.PID,
			win.Geometry.Width, win.Geometry.Height, truncate(win.Title, 60))
	}

	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
