package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/purrrlove/webhook-engine/internal/service"
	"github.com/spf13/cobra"
)

func newEventCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Publish platform events",
	}
	cmd.AddCommand(newEventPublishCmd(opts))
	return cmd
}

func newEventPublishCmd(opts *options) *cobra.Command {
	var (
		id      string
		payload string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "publish [event-type]",
		Short: "Publish an event to every matching subscription",
		Long: `Publish an event to every matching subscription.

Example:
  purrrctl event publish cat_created --payload '{"cat_id": 42}'
  purrrctl event publish nft_minted --file mint.json --id evt_123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(payload)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading payload file: %w", err)
				}
				data = b
			}
			if len(data) == 0 {
				data = []byte(`{}`)
			}
			if !json.Valid(data) {
				return fmt.Errorf("payload is not valid JSON")
			}

			req := service.PublishRequest{ID: id, EventType: args[0], Payload: data}
			var resp map[string]string
			if err := opts.do(cmd.Context(), http.MethodPost, "/events", nil, req, &resp); err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}
			return opts.print(cmd, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Published %s event: %s\n", resp["event_type"], resp["event_id"])
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id, makes the publish idempotent")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON payload from a file")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")
	return cmd
}
