package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate an argon2id hash for a bearer token",
	Long: `Generate an argon2id hash of a bearer token for the
auth.tokens.token_hash config field.

Example:
  aegis hash-token "my-secret-token"

Security note: the token will appear in shell history. Prefer passing
it through an environment variable:
  aegis hash-token "$AGENT_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
