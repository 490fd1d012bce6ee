package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/autoreply/wa-autoreply/internal/config"
	"github.com/autoreply/wa-autoreply/internal/logging"
	"github.com/autoreply/wa-autoreply/internal/services"
	"github.com/autoreply/wa-autoreply/internal/store"

	"github.com/spf13/cobra"
)

// newDevicesCmd lists the stored device configs without connecting anything
func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List stored devices and their settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New("warn", "console", os.Stderr)

			st, err := store.Open(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.DeviceIDs(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tAUTO-READ\tTYPING\tAI\tKEYWORDS")
			for _, id := range ids {
				dc, err := st.Device(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%d\n", dc.DeviceID,
					dc.Settings.AutoRead, dc.Settings.TypingSimulation, dc.Settings.AIFallback, len(dc.Keywords))
			}
			return w.Flush()
		},
	}
}

// newHashPasswordCmd prints a bcrypt hash for ADMIN_PASSWORD_HASH
func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Long:  "Hashes the password given as argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := services.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func readPassword(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}
