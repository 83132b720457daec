package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/edgeguard/internal/config"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
)

// Guard keys shorter than this are rejected by the configuration loader.
const minGuardKeyBytes = 32

func newKeygenCmd() *cobra.Command {
	var (
		length  int
		sealing bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a guard key (and optionally a sealing key) as env assignments",
		Long: `Prints freshly generated keys from the system CSPRNG in .env format:

  EDGEGUARD_GUARD_KEY_HEX=...
  EDGEGUARD_SEALING_KEY_HEX=...   (with --sealing)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if length < minGuardKeyBytes {
				return fmt.Errorf("--bytes must be at least %d", minGuardKeyBytes)
			}

			key := make([]byte, length)
			if err := keystore.NewSystemProvider().Fill(key); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%sGUARD_KEY_HEX=%s\n", config.EnvPrefix, hex.EncodeToString(key))

			if sealing {
				sk, err := security.GenerateSealingKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%sSEALING_KEY_HEX=%s\n", config.EnvPrefix, hex.EncodeToString(sk))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&length, "bytes", 64, "guard key length in bytes")
	cmd.Flags().BoolVar(&sealing, "sealing", false, "also generate an AES-256 sealing key for key exports")
	return cmd
}
