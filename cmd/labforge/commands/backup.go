package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		outFile string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the resource registry",
		Long: `Write a consistent copy of the SQLite database with VACUUM INTO.

The copy is safe to take while serve is running.`,
		Example: `  labforge backup --out labforge-backup.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(outFile); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to replace it)", outFile)
				}
				if err := os.Remove(outFile); err != nil {
					return fmt.Errorf("failed to remove %s: %w", outFile, err)
				}
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("database", cfg.Database.Path).Str("out", outFile).Msg("Creating backup")
			if err := store.Backup(cmd.Context(), outFile); err != nil {
				return err
			}
			cmd.Printf("✓ Backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "labforge-backup.db", "backup output file")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing output file")

	return cmd
}
