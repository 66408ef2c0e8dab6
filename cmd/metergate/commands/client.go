package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/oauth"
)

// NewClientCommand manages OAuth client registrations.
func NewClientCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
		Long:  "Register, list, and remove OAuth 2.0 clients. Confidential client secrets are shown exactly once at creation.",
	}

	cmd.AddCommand(newClientCreateCommand(ctx))
	cmd.AddCommand(newClientListCommand(ctx))
	cmd.AddCommand(newClientDeleteCommand(ctx))

	return cmd
}

func newClientCreateCommand(ctx context.Context) *cobra.Command {
	var name string
	var redirectURIs, scopes []string
	var confidential bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an OAuth client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("name is required")
			}

			for _, scope := range scopes {
				if !knownScope(scope) {
					return fmt.Errorf("unknown scope %q; supported: %s", scope, strings.Join(oauth.SupportedScopes, " "))
				}
			}

			service := oauth.NewService(&oauth.Config{DB: db, Logger: zap.NewNop()})
			client, secret, err := service.CreateClient(ctx, &oauth.ClientSpec{
				Name:          name,
				RedirectURIs:  redirectURIs,
				AllowedScopes: scopes,
				Confidential:  confidential,
			})
			if err != nil {
				return err
			}

			if outputJSON {
				out := map[string]interface{}{"client": client}
				if secret != "" {
					out["client_secret"] = secret
				}
				OutputJSON(out)
				return nil
			}

			fmt.Printf("Client registered:\n")
			fmt.Printf("Client ID: %s\n", client.ClientID)
			fmt.Printf("Name: %s\n", client.Name)
			fmt.Printf("Public: %v\n", client.IsPublic)
			fmt.Printf("Redirect URIs: %s\n", strings.Join(client.RedirectURIs, ", "))
			fmt.Printf("Scopes: %s\n", strings.Join(client.AllowedScopes, " "))
			if secret != "" {
				fmt.Printf("Client Secret: %s\n", secret)
				fmt.Println("Store the secret now; it cannot be recovered.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Client display name (required)")
	cmd.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable, required)")
	cmd.Flags().StringArrayVar(&scopes, "scope", []string{
		oauth.ScopeOpenID, oauth.ScopeProfile, oauth.ScopeEmail,
		oauth.ScopeModelsRead, oauth.ScopeInference, oauth.ScopeUserInfo, oauth.ScopeCreditsRead,
	}, "Allowed scope (repeatable)")
	cmd.Flags().BoolVar(&confidential, "confidential", false, "Issue a client secret (server-side clients)")

	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func newClientListCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List OAuth clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			var clients []models.OAuthClient
			if err := db.WithContext(ctx).Order("created_at ASC").Find(&clients).Error; err != nil {
				return fmt.Errorf("failed to list clients: %w", err)
			}

			if outputJSON {
				OutputJSON(clients)
				return nil
			}

			headers := []string{"Client ID", "Name", "Public", "Scopes", "Redirect URIs"}
			var rows [][]string
			for _, client := range clients {
				rows = append(rows, []string{
					client.ClientID,
					client.Name,
					strconv.FormatBool(client.IsPublic),
					strings.Join(client.AllowedScopes, " "),
					strings.Join(client.RedirectURIs, ", "),
				})
			}
			OutputTable(headers, rows)
			return nil
		},
	}

	return cmd
}

func newClientDeleteCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [CLIENT_ID]",
		Short: "Remove an OAuth client",
		Long:  "Removes the registration. Outstanding refresh tokens for the client stop working on next use.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			result := db.WithContext(ctx).Delete(&models.OAuthClient{}, "client_id = ?", args[0])
			if result.Error != nil {
				return fmt.Errorf("failed to delete client: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("client %q not found", args[0])
			}

			fmt.Printf("Client %s deleted\n", args[0])
			return nil
		},
	}

	return cmd
}

func knownScope(scope string) bool {
	for _, s := range oauth.SupportedScopes {
		if s == scope {
			return true
		}
	}
	return false
}
