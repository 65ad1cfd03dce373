package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/Dyas-07/bot/lspd"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"strings"
	"syscall"
)

// passwordReader reads a password without echoing it. Swapped out in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordAttempts = 3

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("LSPD_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"LSPD_DATABASE not set (must be a database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := lspd.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		runtimeConfig, err := lspd.LoadRuntimeConfig(ctx, db)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, "Initialization complete. Start the bot with the 'run' subcommand.")
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		reader := bufio.NewReader(cmd.InOrStdin())

		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)
		if username == "" {
			return errors.New("admin username can't be empty")
		}

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for attempt := 1; ; attempt++ {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, readErr := readPassword()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}

			fmt.Fprint(out, "Confirm admin password: ")
			confirmBytes, readErr := readPassword()
			fmt.Fprintln(out)
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}

			password = string(passwordBytes)
			if password != "" && password == string(confirmBytes) {
				break
			}
			if attempt == maxPasswordAttempts {
				return errors.New("passwords did not match")
			}
			fmt.Fprintln(out, "Passwords do not match (or are empty). Please try again.")
		}

		if err = lspd.SetAdminCredentials(ctx, db, &runtimeConfig, username, password); err != nil {
			return fmt.Errorf("error updating admin credentials: %w", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, "Initialization complete. Start the bot with the 'run' subcommand.")
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
