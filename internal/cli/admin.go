package cli

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/halcyonhost/panel/internal/auth"
	"github.com/halcyonhost/panel/internal/config"
)

var (
	adminEmail    string
	adminPassword string
	adminName     string
)

func init() {
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "admin email address")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "admin password")
	createAdminCmd.Flags().StringVar(&adminName, "name", "Administrator", "display name")
	createAdminCmd.MarkFlagRequired("email")
	createAdminCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(createAdminCmd)
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an admin user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			return fmt.Errorf("create database pool: %w", err)
		}
		defer pool.Close()

		svc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret,
			time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
		user, err := svc.CreateAdmin(ctx, adminEmail, adminPassword, adminName)
		if err != nil {
			return err
		}

		fmt.Printf("admin %s created (%s)\n", user.Email, user.ID)
		return nil
	},
}
