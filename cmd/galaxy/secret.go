package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/galaxy/internal/app"
	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/secrets"
)

const secretUsage = `usage: galaxy secret <set|list|delete> [provider]

  set <provider>     read the provider's API key from stdin and store it
  list               list providers with a stored key
  delete <provider>  remove a provider's key
`

// runSecret manages provider API keys in the configured database.
func runSecret(args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(secretUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DBPath == "" {
		return errors.New("secret: db_path is empty, the in-memory store cannot keep secrets")
	}
	if cfg.VaultKey == "" {
		return errors.New("secret: set vault_key or GALAXY_VAULT_KEY first")
	}
	opts, err := cfg.appOptions(slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	// Provider wiring is irrelevant here.
	opts.ProviderEndpoints = nil
	opts.MockProviders = false

	ctx := context.Background()
	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	switch args[0] {
	case "set":
		id, err := providerArg(args)
		if err != nil {
			return err
		}
		key, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("secret: empty key on stdin")
		}
		if err := a.Vault.Store(ctx, secrets.ProviderKey(id), []byte(key)); err != nil {
			return err
		}
		fmt.Fprintf(out, "stored key for %s\n", id)
	case "list":
		keys, err := a.Vault.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if id, ok := secrets.ProviderFromKey(k); ok {
				fmt.Fprintln(out, id)
			}
		}
	case "delete":
		id, err := providerArg(args)
		if err != nil {
			return err
		}
		if err := a.Vault.Delete(ctx, secrets.ProviderKey(id)); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted key for %s\n", id)
	default:
		return fmt.Errorf("unknown secret command %q\n\n%s", args[0], secretUsage)
	}
	return nil
}

func providerArg(args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New(secretUsage)
	}
	if !slices.Contains(contracts.KnownProviders, args[1]) {
		return "", fmt.Errorf("unknown provider %q (known: %s)", args[1], strings.Join(contracts.KnownProviders, ", "))
	}
	return args[1], nil
}
