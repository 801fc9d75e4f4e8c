package main

import (
	"context"
	"fmt"

	"github.com/lab-practice/labterm/internal/auth"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/config"
	"github.com/spf13/cobra"
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <lab-id>",
		Short: "Report whether you have an active session for a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labID, err := parseID("lab", args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c clientDeps) error {
				active, err := c.api.CheckActive(ctx, labID, c.creds.Credentials().UserID)
				if err != nil {
					return err
				}
				if !active.HasActiveSession {
					fmt.Fprintf(cmd.OutOrStdout(), "No active session for lab %d.\n", labID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %d is active (%s).\n", active.SessionID, active.Status)
				return nil
			})
		},
	}
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a lab session and release its environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("session", args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c clientDeps) error {
				if err := c.api.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %d.\n", id)
				return nil
			})
		},
	}
}

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <session-id>",
		Short: "Submit a lab session for grading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("session", args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), flags, func(ctx context.Context, c clientDeps) error {
				if err := c.api.Submit(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted session %d.\n", id)
				return nil
			})
		},
	}
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a token and user id in the credentials file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			creds := auth.Credentials{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID, Username: username}
			if !creds.Valid() {
				return fmt.Errorf("--token and --user are required")
			}
			store, err := auth.OpenFileStore(cfg.Auth.CredentialsFile)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Save(creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as user %d.\n", creds.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	return cmd
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials; running sessions are closed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(flags.configPath)
			if err != nil {
				return err
			}
			store, err := auth.OpenFileStore(cfg.Auth.CredentialsFile)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Logout()
		},
	}
}

type clientDeps struct {
	api   *client.HTTPClient
	creds auth.Source
}

func withClient(ctx context.Context, flags *globalFlags, fn func(context.Context, clientDeps) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	creds, closeCreds, err := credentials(cfg)
	if err != nil {
		return err
	}
	defer closeCreds()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, clientDeps{api: newHTTPClient(cfg, creds), creds: creds})
}
