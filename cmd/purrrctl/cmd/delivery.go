package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/spf13/cobra"
)

func newDeliveryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Inspect the delivery log",
	}
	cmd.AddCommand(newDeliveryListCmd(opts))
	return cmd
}

func newDeliveryListCmd(opts *options) *cobra.Command {
	var (
		subscription string
		event        string
		status       string
		since        time.Duration
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delivery attempts, newest first",
		Long: `List delivery attempts, newest first.

Example:
  purrrctl delivery list --subscription sub_123 --status failed --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "subscription_id", subscription)
			setIf(q, "event_id", event)
			setIf(q, "status", status)
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var attempts []domain.DeliveryAttempt
			if err := opts.do(cmd.Context(), http.MethodGet, "/deliveries", q, nil, &attempts); err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}
			return opts.print(cmd, attempts, func(w io.Writer) {
				if len(attempts) == 0 {
					fmt.Fprintln(w, "No delivery attempts found")
					return
				}
				tw := table(w)
				fmt.Fprintln(tw, "ID\tSUBSCRIPTION\tEVENT\tATTEMPT\tSTATUS\tHTTP\tMS\tSENT")
				for _, a := range attempts {
					code := "-"
					if a.HTTPStatus != nil {
						code = strconv.Itoa(*a.HTTPStatus)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
						a.ID, a.SubscriptionID, a.EventID, a.AttemptNumber, a.Status, code,
						a.ResponseTimeMs, a.SentAt.Format("2006-01-02 15:04:05"))
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "filter by subscription id")
	cmd.Flags().StringVar(&event, "event", "", "filter by event id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, success, failed, exhausted, skipped)")
	cmd.Flags().DurationVar(&since, "since", 0, "only attempts sent within this window")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default 50)")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
