package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/assemble"
)

var (
	searchSession   string
	searchLimit     int
	searchThreshold float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Semantic search over stored events",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		matches, err := e.Search(cmd.Context(), strings.Join(args, " "), searchSession, searchLimit, searchThreshold)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%.3f  %s  %s\n", m.Similarity, m.Event.SessionKey, m.Event.Content)
		}
		return nil
	},
}

var (
	contextRoom     string
	contextIdentity string
	contextPrefs    bool
	contextTokens   int
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Assemble the context block for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Context(cmd.Context(), assemble.Request{
			RoomID:             contextRoom,
			Identity:           contextIdentity,
			IncludePreferences: contextPrefs,
			Budget:             assemble.Budget{Total: contextTokens},
		})
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchSession, "session", "s", "", "restrict to one session")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
	searchCmd.Flags().Float64VarP(&searchThreshold, "threshold", "t", 0.3, "minimum similarity")
	rootCmd.AddCommand(searchCmd)

	contextCmd.Flags().StringVarP(&contextRoom, "room", "r", "default", "room (session) key")
	contextCmd.Flags().StringVar(&contextIdentity, "identity", "", "identity text for the block")
	contextCmd.Flags().BoolVar(&contextPrefs, "preferences", true, "include the preferences digest")
	contextCmd.Flags().IntVar(&contextTokens, "tokens", 0, "total token budget (0 = default)")
	rootCmd.AddCommand(contextCmd)
}
