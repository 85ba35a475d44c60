package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/docbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

var errMemoryBackend = errors.New("keys cannot be created on the memory backend; use the admin API of a running server")

// newKeysCmd bootstraps API keys straight into storage, for when no admin
// key exists yet. The badger backend must not be open by a running server.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Create API keys directly in storage",
	}

	var name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the default owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Storage.Backend == config.BackendMemory {
				return errMemoryBackend
			}
			for _, s := range scopes {
				if s != "read" && s != "write" && s != "admin" {
					return fmt.Errorf("unknown scope %q: must be read, write or admin", s)
				}
			}

			ctx := cmd.Context()
			st, err := store.Open(ctx, *cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			owner, err := st.GetDefaultOwner(ctx)
			if err != nil {
				return fmt.Errorf("get default owner: %w", err)
			}
			raw, hash, err := handler.GenerateKey(bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			now := time.Now().UTC()
			key := &models.APIKey{
				ID:        uuid.New(),
				OwnerID:   owner.ID,
				Name:      name,
				KeyHash:   hash,
				KeyPrefix: raw[:mw.KeyPrefixLen],
				Scopes:    scopes,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := st.CreateAPIKey(ctx, key); err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s (%s) with scopes %s\n", key.ID, name, strings.Join(scopes, ","))
			fmt.Fprintf(out, "%s\n", raw)
			fmt.Fprintln(out, "Store it now: it will not be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Key name")
	create.Flags().StringSliceVar(&scopes, "scopes", []string{"read", "write", "admin"}, "Key scopes")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}
