package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/meshmeet/internal/app"
	"github.com/vovakirdan/meshmeet/internal/auth"
	"github.com/vovakirdan/meshmeet/internal/core"
	"github.com/vovakirdan/meshmeet/internal/utils"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Provision and inspect sessions offline",
	}
	cmd.AddCommand(newSessionCreateCmd(opts))
	cmd.AddCommand(newSessionListCmd(opts))
	return cmd
}

func newSessionCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		name     string
		secret   string
		approval bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session directly in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sess := core.Session{
				ID:              utils.NewSessionID(),
				Name:            name,
				RequireApproval: approval,
				CreatedAt:       time.Now(),
			}
			if sess.Name == "" {
				sess.Name = "Meeting " + sess.ID
			}
			if secret != "" {
				hash, err := auth.HashSecret(secret)
				if err != nil {
					return fmt.Errorf("hash secret: %w", err)
				}
				sess.SecretHash = hash
				sess.RequirePassword = true
			}
			if err := st.SaveSession(cmd.Context(), sess); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session display name")
	cmd.Flags().StringVar(&secret, "secret", "", "password required to join")
	cmd.Flags().BoolVar(&approval, "approval", false, "require host approval for joins")
	return cmd
}

func newSessionListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				flags := ""
				if s.RequirePassword {
					flags += " password"
				}
				if s.RequireApproval {
					flags += " approval"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s%s\n",
					s.ID, s.Name, s.CreatedAt.Format(time.RFC3339), flags)
			}
			return nil
		},
	}
}
