package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/auth/jwt"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		user  string
		roles []string
	)

	cmd := &cobra.Command{
		Use:   "keygen [api-key]",
		Short: "Generate an API key entry for config.yaml",
		Long: `Generates a SHA-256 hash of the provided API key for use in config.yaml.
A random key is generated when none is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = randomKey(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API Key: %s\n", key)
			fmt.Fprintf(out, "SHA-256 Hash: %s\n", apikey.HashAPIKey(key))
			fmt.Fprintln(out, "\nAdd this to your config.yaml:")
			fmt.Fprintln(out, "  api_keys:")
			fmt.Fprintf(out, "    - key_hash: %q\n", apikey.HashAPIKey(key))
			fmt.Fprintf(out, "      user_id: %q\n", user)
			fmt.Fprintf(out, "      roles: [%s]\n", strings.Join(roles, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "service", "User id the key authenticates as")
	cmd.Flags().StringSliceVarP(&roles, "roles", "r", nil, "Roles granted to the key")

	cmd.AddCommand(newJWTCommand())
	return cmd
}

func newJWTCommand() *cobra.Command {
	var (
		cfg   config.JWTConfig
		user  string
		roles []string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Issue an HS256 bearer token for auth.mode jwt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Secret == "" {
				cfg.Secret = os.Getenv("ERPGW_JWT_SECRET")
			}
			token, err := jwt.Issue(cfg, domain.Identity{UserID: user, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Secret, "secret", "", "Signing secret (default $ERPGW_JWT_SECRET)")
	cmd.Flags().StringVar(&cfg.Issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&cfg.Audience, "audience", "", "aud claim")
	cmd.Flags().StringVarP(&user, "user", "u", "", "sub claim")
	cmd.Flags().StringSliceVarP(&roles, "roles", "r", nil, "Roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func randomKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "sk-erp-" + hex.EncodeToString(b), nil
}
