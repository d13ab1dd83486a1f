package main

import (
	"encoding/json"
	"errors"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/spf13/cobra"
)

// cancelOrderCmd is the console counterpart of the admin endpoint. Whoever can run it
// already holds the store credentials, so the operator is granted orders:cancel.
func cancelOrderCmd(configPath *string) *cobra.Command {
	var (
		customerID string
		operator   string
	)

	cmd := &cobra.Command{
		Use:   "cancel-order",
		Short: "Cancel a customer's active order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			principal := service.Principal{Subject: operator, Capabilities: []string{service.CapabilityCancelOrders}}
			result, err := service.NewOverride(a.store, a.log).CancelActiveOrder(cmd.Context(), principal, customerID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return errors.New("cancellation did not take effect: " + result.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&customerID, "customer", "", "Customer id whose active order is cancelled")
	cmd.Flags().StringVar(&operator, "operator", "cli", "Operator name recorded on the state change")
	_ = cmd.MarkFlagRequired("customer")

	return cmd
}
