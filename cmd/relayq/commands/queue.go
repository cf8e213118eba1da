package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/relayq/cmd/relayq/client"
	"github.com/busybox42/relayq/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the mail queue",
	Long: `Inspect and edit the queue store directly, or pause and resume a running relay.
Store edits made while the relay is running take effect on its next restart.`,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all messages in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store queue.Store) error {
				messages, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				printMessages(cmd.OutOrStdout(), messages)
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [message ID]",
		Short: "Show the delivery state of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			return withStore(cmd.Context(), func(store queue.Store) error {
				if raw {
					body, err := store.LoadBody(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(body)
					return err
				}
				msg, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(msg)
			})
		},
	}
	showCmd.Flags().Bool("raw", false, "print the message content instead of its state")

	deleteCmd := &cobra.Command{
		Use:   "delete [message ID]",
		Short: "Delete a message from the queue without notifying the sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withStore(cmd.Context(), func(store queue.Store) error {
				if _, err := store.Load(cmd.Context(), id); err != nil {
					return err
				}
				if err := store.Delete(cmd.Context(), id); err != nil {
					return err
				}
				if err := store.DeleteBody(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message %s deleted from queue\n", id)
				return nil
			})
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [reason]",
		Short: "Stop starting delivery attempts on a running relay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			reason := ""
			if len(args) > 0 {
				reason = args[0]
			}
			if err := c.Pause(reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Delivery paused")
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume delivery attempts on a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.Resume(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Delivery resumed")
			return nil
		},
	}

	queueCmd.AddCommand(listCmd, showCmd, deleteCmd, pauseCmd, resumeCmd)
}

// withStore opens the configured queue store for the duration of fn.
func withStore(ctx context.Context, fn func(queue.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closer, err := queue.OpenStore(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer closer.Close()
	return fn(store)
}

func apiClient() (*client.Client, error) {
	addr, err := apiAddress()
	if err != nil {
		return nil, err
	}
	return client.NewClient(addr), nil
}

// printMessages writes one row per domain of each message.
func printMessages(out io.Writer, messages []*queue.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages in queue")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFrom\tDomain\tRcpts\tStatus\tAttempts\tNext")
	for _, msg := range messages {
		from := msg.ReturnPath
		if from == "" {
			from = "<>"
		}
		for _, d := range msg.Domains {
			next := "-"
			if !d.Status.Terminal() {
				next = d.NextDue.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				msg.ID, from, d.Name, len(d.Recipients), d.Status, d.Attempts, next)
		}
	}
	w.Flush()
}

// statusCmd reports the health of a running relay.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		h, err := c.Health()
		if err != nil {
			return fmt.Errorf("could not reach relayq: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Status: %s\n", h.Status)
		fmt.Fprintf(out, "Uptime: %s\n", h.Uptime)
		fmt.Fprintf(out, "Queued messages: %d (%d recipients)\n", h.Queued, h.Recipients)
		if h.Paused {
			fmt.Fprintf(out, "Paused: %s\n", h.PauseReason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
