package main

import (
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/lab-practice/labterm/internal/app"
	"github.com/lab-practice/labterm/internal/auth"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/config"
	"github.com/lab-practice/labterm/internal/console"
	"github.com/lab-practice/labterm/internal/session"
	"github.com/spf13/cobra"
)

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <lab-id>",
		Short: "Start a lab session, follow its provisioning and open the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labID, err := parseID("lab", args[0])
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runStart(cfg, labID)
		},
	}
}

func runStart(cfg *config.Config, labID int64) error {
	detach, err := console.ParseDetachKey(cfg.Terminal.DetachKey)
	if err != nil {
		return err
	}

	logFile, err := tea.LogToFile(cfg.Log.File, "labterm")
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	creds, closeCreds, err := credentials(cfg)
	if err != nil {
		return err
	}
	defer closeCreds()

	api := newHTTPClient(cfg, creds)
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
	}
	termOpts := client.TerminalOptions{
		AuthCloseCodes: cfg.Terminal.AuthCloseCodes,
		BacklogBytes:   cfg.Terminal.BacklogBytes,
		SendQueue:      cfg.Terminal.SendQueue,
	}

	ctrl := session.New(session.Options{
		Lifecycle: api,
		Auth:      creds,
		NewProvisioner: func() session.Provisioner {
			return client.NewProvisioningChannel(dialer)
		},
		NewTerminal: func() session.Terminal {
			return client.NewTerminalChannel(dialer, termOpts)
		},
		RequestTimeout: cfg.API.Timeout,
	})
	defer ctrl.Close()

	userID := creds.Credentials().UserID
	log.Printf("labterm: starting lab %d for user %d against %s", labID, userID, cfg.API.BaseURL)

	m := app.New(ctrl, api, app.Options{
		LabID:         labID,
		UserID:        userID,
		AttachDelay:   cfg.UI.AttachDelay,
		RedirectDelay: cfg.UI.RedirectDelay,
		QuoteInterval: cfg.UI.QuoteInterval,
		DetachKey:     detach,
		DetachHint:    cfg.Terminal.DetachKey,
		Logout:        logoutFunc(creds),
	})
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return err
	}
	if m.RedirectToLogin() {
		fmt.Fprintln(os.Stderr, "Your login has expired. Run `labterm login` to sign in again.")
	}
	return nil
}

// logoutFunc clears whichever credential store is in use.
func logoutFunc(creds auth.Source) func() error {
	switch s := creds.(type) {
	case *auth.FileStore:
		return s.Logout
	case *auth.Static:
		return func() error { s.Clear(); return nil }
	}
	return nil
}
