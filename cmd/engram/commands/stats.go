package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statLabel = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("245"))
	statValue = lipgloss.NewStyle().Bold(true)
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts and index health",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(statTitle.Render("engram store"))
		for _, row := range []struct {
			label string
			value int
		}{
			{"events", st.Events},
			{"pending extractions", st.PendingExtractions},
			{"entities", st.Entities},
			{"edges", st.Edges},
			{"facts", st.Facts},
			{"summary nodes", st.SummaryNodes},
			{"learnings", st.Learnings},
			{"indexed vectors", st.IndexedVectors},
		} {
			fmt.Println(statLabel.Render(row.label) + statValue.Render(fmt.Sprintf("%d", row.value)))
		}
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recreate the vector index from stored embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.RebuildIndex(cmd.Context()); err != nil {
			return err
		}
		st, err := e.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("index rebuilt: %d vectors\n", st.IndexedVectors)
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one maintenance cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Flush(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(flushCmd)
}
