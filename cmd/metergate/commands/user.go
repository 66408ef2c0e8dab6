package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/metergate/metergate/internal/models"
)

// NewUserCommand manages gateway users. Users are provisioned on first
// federated login; the CLI adjusts tier, role, and active status.
func NewUserCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
		Long:  "List and update users. Accounts are created on first login through the upstream identity provider.",
	}

	cmd.AddCommand(newUserListCommand(ctx))
	cmd.AddCommand(newUserGetCommand(ctx))
	cmd.AddCommand(newUserUpdateCommand(ctx))

	return cmd
}

func newUserListCommand(ctx context.Context) *cobra.Command {
	var tier, role string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			query := db.WithContext(ctx).Limit(limit).Offset(offset).Order("created_at DESC")
			if tier != "" {
				query = query.Where("tier = ?", tier)
			}
			if role != "" {
				query = query.Where("role = ?", role)
			}

			var users []models.User
			if err := query.Find(&users).Error; err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			if outputJSON {
				OutputJSON(users)
				return nil
			}

			headers := []string{"ID", "Email", "Tier", "Role", "Active", "Last Login"}
			var rows [][]string
			for _, user := range users {
				lastLogin := "never"
				if user.LastLoginAt != nil {
					lastLogin = user.LastLoginAt.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{
					user.ID.String(),
					user.Email,
					string(user.Tier),
					string(user.Role),
					strconv.FormatBool(user.IsActive),
					lastLogin,
				})
			}
			OutputTable(headers, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "Filter by tier")
	cmd.Flags().StringVar(&role, "role", "", "Filter by role")
	cmd.Flags().IntVar(&limit, "limit", 50, "Limit number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")

	return cmd
}

func newUserGetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [USER_ID|EMAIL]",
		Short: "Get user details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			user, err := findUser(ctx, args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(user)
				return nil
			}

			fmt.Printf("ID: %s\n", user.ID)
			fmt.Printf("Email: %s\n", user.Email)
			fmt.Printf("Name: %s\n", user.Name)
			fmt.Printf("Tier: %s\n", user.Tier)
			fmt.Printf("Role: %s\n", user.Role)
			fmt.Printf("Active: %v\n", user.IsActive)
			fmt.Printf("Email Verified: %v\n", user.EmailVerified)
			if user.LastLoginAt != nil {
				fmt.Printf("Last Login: %s\n", user.LastLoginAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("Created: %s\n", user.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	return cmd
}

func newUserUpdateCommand(ctx context.Context) *cobra.Command {
	var tier, role string
	var isActive bool

	cmd := &cobra.Command{
		Use:   "update [USER_ID|EMAIL]",
		Short: "Update a user's tier, role, or active status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			user, err := findUser(ctx, args[0])
			if err != nil {
				return err
			}

			updates := make(map[string]interface{})

			if cmd.Flags().Changed("tier") {
				t := models.Tier(tier)
				if !t.Valid() {
					return fmt.Errorf("unknown tier %q; one of: %v", tier, models.AllTiers)
				}
				updates["tier"] = t
			}
			if cmd.Flags().Changed("role") {
				r := models.UserRole(role)
				if r != models.RoleUser && r != models.RoleAdmin {
					return fmt.Errorf("unknown role %q; use %s or %s", role, models.RoleUser, models.RoleAdmin)
				}
				updates["role"] = r
			}
			if cmd.Flags().Changed("active") {
				updates["is_active"] = isActive
			}

			if len(updates) == 0 {
				return fmt.Errorf("no updates specified")
			}

			if err := db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update user: %w", err)
			}

			fmt.Printf("User %s updated\n", user.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "Set subscription tier")
	cmd.Flags().StringVar(&role, "role", "", "Set role (user, admin)")
	cmd.Flags().BoolVar(&isActive, "active", true, "Set active status")

	return cmd
}

// findUser resolves a user by UUID or email.
func findUser(ctx context.Context, ref string) (*models.User, error) {
	var user models.User
	query := db.WithContext(ctx)

	if id, err := uuid.Parse(ref); err == nil {
		query = query.Where("id = ?", id)
	} else {
		query = query.Where("email = ?", ref)
	}

	if err := query.First(&user).Error; err != nil {
		return nil, fmt.Errorf("user %q not found: %w", ref, err)
	}
	return &user, nil
}
