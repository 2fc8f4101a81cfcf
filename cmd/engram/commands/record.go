package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/store"
)

var (
	recordSession   string
	recordChannel   string
	recordDirection string
	recordPerson    string
)

var recordCmd = &cobra.Command{
	Use:   "record [text...]",
	Short: "Append an event to the memory engine",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ev := &store.Event{
			Content:    strings.Join(args, " "),
			SessionKey: recordSession,
			Channel:    recordChannel,
			Direction:  recordDirection,
			PersonID:   recordPerson,
			EventType:  "message",
		}
		if err := e.Record(cmd.Context(), ev); err != nil {
			return err
		}
		fmt.Println(ev.ID)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordSession, "session", "s", "default", "session key (e.g. room:general)")
	recordCmd.Flags().StringVar(&recordChannel, "channel", "cli", "source channel")
	recordCmd.Flags().StringVar(&recordDirection, "direction", "inbound", "inbound or outbound")
	recordCmd.Flags().StringVar(&recordPerson, "person", "", "person id")
	rootCmd.AddCommand(recordCmd)
}
