package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/crypto"
)

func newVaultCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vaults",
	}
	cmd.AddCommand(newVaultCreateCmd(opts))
	return cmd
}

func newVaultCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		algorithm string
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "create <container[/prefix]>",
		Short: "Create a vault; objects below its root are encrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := parseRemote(args[0], true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			vc := config.VaultConfig{
				Root:      args[0],
				Algorithm: algorithm,
				ChunkSize: chunkSize,
			}
			// A vault listed in the configuration keeps its passphrase.
			for _, configured := range a.cfg.Vaults {
				if configured.Path() == vc.Path() {
					vc.Passphrase = configured.Passphrase
				}
			}
			if err := vc.Validate(); err != nil {
				return err
			}
			if err := a.session.CreateVault(cmd.Context(), vc); err != nil {
				return fmt.Errorf("failed to create vault at %s: %w", root, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vault ready at %s\n", root)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", crypto.AlgorithmAES256GCM, "content encryption algorithm")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", crypto.DefaultChunkSize, "cleartext bytes per encrypted chunk")
	return cmd
}
