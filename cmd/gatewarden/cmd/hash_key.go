package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
)

var hashArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Generate a hash for an admin API key",
	Long: `Generate a hash of an admin API key for use in config.

By default the output is "sha256:<hex>", cheap to verify and suitable
for high-entropy generated keys. With --argon2id the output is an
Argon2id PHC string, preferable for keys a human might choose. Either
form can be listed under admin.keys.

Example:
  gatewarden hash-key "my-admin-key"
  # Output: sha256:7d5e8c...

  gatewarden hash-key --argon2id "my-admin-key"
  # Output: $argon2id$v=19$m=47104,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  gatewarden hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashArgon2id {
			hash, err := auth.HashKeyArgon2id(key)
			if err != nil {
				return fmt.Errorf("failed to hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Printf("sha256:%s\n", auth.HashKey(key))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashArgon2id, "argon2id", false, "Emit an Argon2id PHC hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
