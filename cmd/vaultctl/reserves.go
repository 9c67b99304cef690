package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"cruize/crypto"
	"cruize/services/vaultd/client"
	"cruize/services/vaultd/config"
)

var reservesCmd = &cobra.Command{
	Use:   "reserves",
	Short: "Inspect and register reserves",
}

var reservesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered reserves",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		reserves, err := c.Reserves(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), reserves)
	},
}

var reservesApplyCmd = &cobra.Command{
	Use:   "apply <manifest.toml>",
	Short: "Register every manifest reserve vaultd does not know yet",
	Args:  cobra.ExactArgs(1),
	RunE:  runReservesApply,
}

var reservesFloorCmd = &cobra.Command{
	Use:   "set-floor <asset> <floor>",
	Short: "Move a reserve's withdrawal price floor (whole quote units)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, err := crypto.ParseAddress(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.SetPriceFloor(cmd.Context(), asset, args[1])
	},
}

func init() {
	reservesCmd.AddCommand(reservesListCmd, reservesApplyCmd, reservesFloorCmd)
}

func runReservesApply(cmd *cobra.Command, args []string) error {
	manifest, err := config.LoadManifest(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range manifest.Reserves {
		params, err := r.Params()
		if err != nil {
			return err
		}
		req := client.ReserveRequest{
			Name:     params.Name,
			Symbol:   params.Symbol,
			Asset:    params.Asset.Hex(),
			Oracle:   params.Oracle.Hex(),
			Decimals: params.Decimals,
		}
		if params.PriceFloor != nil {
			req.PriceFloor = params.PriceFloor.String()
		}
		view, err := c.CreateReserve(cmd.Context(), req)
		var apiErr *client.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict:
			fmt.Fprintf(out, "%s: already registered\n", params.Symbol)
		case err != nil:
			return fmt.Errorf("%s: %w", params.Symbol, err)
		default:
			fmt.Fprintf(out, "%s: registered token %s\n", view.Symbol, view.Token)
		}
	}
	return nil
}
