package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cruize/cmd/internal/passphrase"
	"cruize/crypto"
	"cruize/services/vaultd/middleware"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <keystore-path>",
	Short: "Generate a signing key and write it to an encrypted keystore",
	Long: `Generate a secp256k1 key for the market signer or an operator account.

The passphrase is read from VAULTCTL_PASSPHRASE when set, otherwise it is
prompted for twice on the terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeygen,
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject-address>",
	Short: "Issue a bearer token for vaultd",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	keygenCmd.Flags().Bool("light", false, "use light scrypt parameters (testing only)")
	keygenCmd.Flags().Bool("force", false, "overwrite an existing keystore")

	tokenCmd.Flags().String("secret", "", "HMAC secret, or env:NAME to read it from the environment")
	tokenCmd.Flags().String("issuer", "", "token issuer")
	tokenCmd.Flags().String("audience", "", "token audience")
	tokenCmd.Flags().StringSlice("scope", []string{middleware.ScopeUser}, "scopes to grant")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := args[0]
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; pass --force to overwrite", path)
	}
	pass, err := passphrase.NewSource("VAULTCTL_PASSPHRASE").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	params := crypto.StandardScrypt
	if light, _ := cmd.Flags().GetBool("light"); light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystore(path, key, pass, params); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]string{"address": key.Address().Hex(), "keystore": path})
}

func runToken(cmd *cobra.Command, args []string) error {
	subject, err := crypto.ParseAddress(args[0])
	if err != nil {
		return err
	}
	secret, _ := cmd.Flags().GetString("secret")
	if name, ok := strings.CutPrefix(strings.TrimSpace(secret), "env:"); ok {
		secret = os.Getenv(strings.TrimSpace(name))
	}
	issuer, _ := cmd.Flags().GetString("issuer")
	audience, _ := cmd.Flags().GetString("audience")
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	signed, err := middleware.IssueToken(middleware.TokenRequest{
		Secret:   secret,
		Issuer:   issuer,
		Audience: audience,
		Subject:  subject,
		Scopes:   scopes,
		TTL:      ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
