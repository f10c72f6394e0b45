package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safeai-dev/safeai/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <raw-key>",
	Short: "Hash an admin API key for server.admin_key_hashes",
	Long: `Hashes a raw API key for use in the server.admin_key_hashes config
list. Keys are hashed with argon2id by default; --sha256 produces the
legacy sha256 format instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeySHA256 {
			fmt.Println(auth.HashKey(args[0]))
			return nil
		}
		hash, err := auth.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "use sha256 instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
