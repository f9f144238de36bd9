package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"statesaver/config"
	"statesaver/service/persist"

	"github.com/spf13/cobra"
)

var saveData string

// saveCmd runs one save_state request and waits for its outcome, so scripts
// get an exit status the fire-and-forget API does not give.
var saveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Write a payload from --data or stdin to path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := saveData
		if !cmd.Flags().Changed("data") {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload from stdin: %w", err)
			}
			data = string(b)
		}

		p := persist.New(persist.WithLogger(slog.Default()))
		completed := make(chan persist.Event, 1)
		p.Subscribe(func(event persist.Event) {
			if event.Type == persist.EventCompleted {
				completed <- event
			}
		})

		ack, err := p.SaveState(args[0], data)
		if err != nil {
			return err
		}
		if err := p.Close(); err != nil {
			return err
		}
		select {
		case event := <-completed:
			if event.Err != nil {
				return fmt.Errorf("failed to save state %s: %w", ack.ID, event.Err)
			}
		case <-time.After(config.ShutdownTimeout):
			return fmt.Errorf("timed out waiting for save %s", ack.ID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes -> %s\n", ack.ID, len(data), args[0])
		return nil
	},
}

func init() {
	saveCmd.Flags().StringVarP(&saveData, "data", "d", "", "payload to write instead of reading stdin")
}
