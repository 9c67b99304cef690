// Command vaultctl is the operator CLI for vaultd: key management, bearer
// tokens, reserve manifests and journal maintenance.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cruize/crypto"
	"cruize/services/vaultd/client"
)

var (
	endpoint string
	token    string
	caller   string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "vaultctl",
	Short:         "Operate a vaultd deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", envOr("VAULTD_URL", "http://127.0.0.1:7090"), "vaultd base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("VAULTD_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&caller, "caller", os.Getenv("VAULTD_CALLER"), "caller address sent when vaultd runs without auth")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	rootCmd.AddCommand(keygenCmd, tokenCmd, reservesCmd, positionCmd, creditCmd, depositCmd, withdrawCmd, pauseCmd, marketCmd, journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func newClient() (*client.Client, error) {
	cfg := client.Config{BaseURL: endpoint, Token: token, Timeout: timeout}
	if strings.TrimSpace(caller) != "" {
		addr, err := crypto.ParseAddress(caller)
		if err != nil {
			return nil, fmt.Errorf("--caller: %w", err)
		}
		cfg.Caller = addr
	}
	return client.NewClient(cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
