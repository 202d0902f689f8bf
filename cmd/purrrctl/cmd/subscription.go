package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/purrrlove/webhook-engine/internal/domain"
	"github.com/purrrlove/webhook-engine/internal/service"
	"github.com/spf13/cobra"
)

func newSubscriptionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Manage webhook subscriptions",
	}
	cmd.AddCommand(
		newSubscriptionCreateCmd(opts),
		newSubscriptionListCmd(opts),
		newSubscriptionActionCmd(opts, "enable", http.MethodPost, "/enable", "Re-enable a subscription and reset its circuit breaker"),
		newSubscriptionActionCmd(opts, "disable", http.MethodPost, "/disable", "Pause deliveries to a subscription"),
		newSubscriptionActionCmd(opts, "delete", http.MethodDelete, "", "Delete a subscription"),
		newSubscriptionTestCmd(opts),
	)
	return cmd
}

func newSubscriptionCreateCmd(opts *options) *cobra.Command {
	var (
		owner     string
		events    []string
		secret    string
		headers   map[string]string
		rateLimit int
	)
	cmd := &cobra.Command{
		Use:   "create [url]",
		Short: "Register a webhook URL for one or more event types",
		Long: `Register a webhook URL for one or more event types.

Example:
  purrrctl subscription create https://example.com/hooks --owner u_1 --events cat_created,nft_minted`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.CreateSubscriptionRequest{
				OwnerID:            owner,
				URL:                args[0],
				EventTypes:         events,
				Secret:             secret,
				Headers:            headers,
				RateLimitPerSecond: rateLimit,
			}
			var resp domain.CreateSubscriptionResponse
			if err := opts.do(cmd.Context(), http.MethodPost, "/subscriptions", nil, req, &resp); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
			return opts.print(cmd, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Created subscription: %s\n", resp.ID)
				fmt.Fprintf(w, "  Secret: %s\n", resp.Secret)
				fmt.Fprintln(w, "  Store the secret now, it is not shown again.")
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	cmd.Flags().StringSliceVar(&events, "events", nil, "event types to subscribe to, or * for all (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (generated when empty)")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "extra request header as key=value (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "max deliveries per second, 0 for unlimited")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

func newSubscriptionListCmd(opts *options) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions with their delivery statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if owner != "" {
				q.Set("owner_id", owner)
			}
			var subs []service.SubscriptionView
			if err := opts.do(cmd.Context(), http.MethodGet, "/subscriptions", q, nil, &subs); err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}
			return opts.print(cmd, subs, func(w io.Writer) {
				if len(subs) == 0 {
					fmt.Fprintln(w, "No subscriptions found")
					return
				}
				tw := table(w)
				fmt.Fprintln(tw, "ID\tURL\tEVENTS\tSTATUS\tDELIVERIES\tSUCCESS")
				for _, s := range subs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1f%%\n",
						s.ID, s.URL, strings.Join(s.EventTypes, ","), s.Status, s.DeliveryCount, s.SuccessRate)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list this owner's subscriptions")
	return cmd
}

func newSubscriptionActionCmd(opts *options, name, method, suffix, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [subscription-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			resp := map[string]string{}
			if err := opts.do(cmd.Context(), method, "/subscriptions/"+url.PathEscape(id)+suffix, nil, nil, &resp); err != nil {
				return fmt.Errorf("failed to %s subscription: %w", name, err)
			}
			if len(resp) == 0 {
				resp = map[string]string{"id": id, "status": "deleted"}
			}
			return opts.print(cmd, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Subscription %s: %s\n", id, resp["status"])
			})
		},
	}
}

func newSubscriptionTestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test [subscription-id]",
		Short: "Send a webhook_test event to a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			if err := opts.do(cmd.Context(), http.MethodPost, "/subscriptions/"+url.PathEscape(args[0])+"/test", nil, nil, &resp); err != nil {
				return fmt.Errorf("failed to send test delivery: %w", err)
			}
			return opts.print(cmd, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Test delivery queued: event %s\n", resp["event_id"])
			})
		},
	}
}
