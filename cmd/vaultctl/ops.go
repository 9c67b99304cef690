package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"cruize/crypto"
)

var positionCmd = &cobra.Command{
	Use:   "position <asset> <holder>",
	Short: "Show a holder's receipt balance and redeemable underlying",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, err := crypto.ParseAddress(args[0])
		if err != nil {
			return err
		}
		holder, err := crypto.ParseAddress(args[1])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		pos, err := c.Position(cmd.Context(), asset, holder)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), pos)
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit <asset> <holder> <amount>",
	Short: "Fund a holder's custody balance (owner only)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, err := crypto.ParseAddress(args[0])
		if err != nil {
			return err
		}
		holder, err := crypto.ParseAddress(args[1])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Credit(cmd.Context(), asset, holder, args[2])
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <asset> <amount>",
	Short: "Deposit underlying from the caller's custody balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, err := crypto.ParseAddress(args[0])
		if err != nil {
			return err
		}
		value, _ := cmd.Flags().GetString("value")
		c, err := newClient()
		if err != nil {
			return err
		}
		minted, err := c.Deposit(cmd.Context(), asset, args[1], value)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"minted": minted})
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <asset> <amount|max>",
	Short: "Burn receipt tokens for the underlying",
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
		burned, paid, err := c.Withdraw(cmd.Context(), asset, args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"burned": burned, "paid": paid})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <true|false>",
	Short: "Pause or resume deposits and withdrawals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paused, err := strconv.ParseBool(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.SetPaused(cmd.Context(), paused)
	},
}

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Show the vault's lending market account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.MarketData(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	},
}

func init() {
	depositCmd.Flags().String("value", "", "native currency attached to the deposit")
}
