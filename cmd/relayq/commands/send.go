package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayq/cmd/relayq/client"
	"github.com/busybox42/relayq/internal/queue"
)

var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Submit a message to a running relay",
	Long: `Submit an RFC 5322 message to a running relay. The message is read from file,
or from standard input when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("from", "", "envelope sender; empty for a null return path")
	sendCmd.Flags().StringSlice("to", nil, "envelope recipient (repeatable)")
	sendCmd.Flags().String("notify", "", "DSN NOTIFY flags for every recipient (NEVER or SUCCESS,FAILURE,DELAY)")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetStringSlice("to")
	notify, _ := cmd.Flags().GetString("notify")
	if len(to) == 0 {
		return errors.New("at least one --to recipient is required")
	}
	if _, err := queue.ParseNotify(notify); err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	sub := client.Submission{From: from, Body: string(body)}
	for _, addr := range to {
		sub.To = append(sub.To, client.Recipient{Address: addr, Notify: notify})
	}

	c, err := apiClient()
	if err != nil {
		return err
	}
	id, err := c.Enqueue(sub)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued as %s\n", id)
	return nil
}
