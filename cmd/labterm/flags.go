package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/lab-practice/labterm/internal/auth"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/config"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	apiURL     string
	streamURL  string
	token      string
	userID     int64
}

func (f *globalFlags) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&f.apiURL, "api", "", "lab platform API base URL")
	pf.StringVar(&f.streamURL, "stream", "", "websocket origin for provisioning and terminal streams")
	pf.StringVar(&f.token, "token", "", "bearer token (bypasses the credentials file)")
	pf.Int64Var(&f.userID, "user", 0, "user id (with --token)")
}

// load resolves the configuration: file, then environment, then flags.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.apiURL != "" {
		cfg.API.BaseURL = f.apiURL
	}
	if f.streamURL != "" {
		cfg.Stream.BaseURL = f.streamURL
	}
	if f.token != "" {
		cfg.Auth.Token = f.token
	}
	if f.userID != 0 {
		cfg.Auth.UserID = f.userID
	}
	return cfg, cfg.Validate()
}

// credentials opens the credential source. Explicit token and user id win
// over the credentials file. The returned close function is never nil.
func credentials(cfg *config.Config) (auth.Source, func() error, error) {
	if cfg.Auth.Token != "" && cfg.Auth.UserID != 0 {
		return auth.NewStatic(auth.Credentials{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}), func() error { return nil }, nil
	}
	store, err := auth.OpenFileStore(cfg.Auth.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	if !store.Credentials().Valid() {
		store.Close()
		return nil, nil, errors.New("not signed in: run `labterm login` or pass --token and --user")
	}
	return store, store.Close, nil
}

func newHTTPClient(cfg *config.Config, creds auth.Source) *client.HTTPClient {
	return client.NewHTTPClient(cfg.API.BaseURL, cfg.Stream.BaseURL, creds, cfg.API.Timeout)
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}
