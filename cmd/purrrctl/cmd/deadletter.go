package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/spf13/cobra"
)

func newDeadLetterCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Review exhausted deliveries",
	}
	cmd.AddCommand(newDeadLetterListCmd(opts), newDeadLetterResolveCmd(opts))
	return cmd
}

func newDeadLetterListCmd(opts *options) *cobra.Command {
	var (
		subscription string
		resolved     bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "subscription_id", subscription)
			if resolved {
				q.Set("resolved", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var letters []domain.DeadLetter
			if err := opts.do(cmd.Context(), http.MethodGet, "/dead-letters", q, nil, &letters); err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			return opts.print(cmd, letters, func(w io.Writer) {
				if len(letters) == 0 {
					fmt.Fprintln(w, "No dead letters found")
					return
				}
				tw := table(w)
				fmt.Fprintln(tw, "ID\tSUBSCRIPTION\tEVENT\tTYPE\tATTEMPTS\tLAST ERROR")
				for _, dl := range letters {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						dl.ID, dl.SubscriptionID, dl.EventID, dl.EventType, dl.TotalAttempts, dl.LastError)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "filter by subscription id")
	cmd.Flags().BoolVar(&resolved, "resolved", false, "list resolved dead letters instead")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default 50)")
	return cmd
}

func newDeadLetterResolveCmd(opts *options) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve [dead-letter-id]",
		Short: "Mark a dead letter as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"resolved_by": by}
			var resp map[string]string
			if err := opts.do(cmd.Context(), http.MethodPost, "/dead-letters/"+url.PathEscape(args[0])+"/resolve", nil, body, &resp); err != nil {
				return fmt.Errorf("failed to resolve dead letter: %w", err)
			}
			return opts.print(cmd, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Dead letter %s resolved\n", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "purrrctl", "who resolved it")
	return cmd
}
