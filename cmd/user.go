package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treefix50/playsync/internal/auth"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "manage accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		m := auth.NewManager(db, conf.Auth.Secret, conf.Auth.TokenTTL, conf.Auth.CacheTTL)
		defer m.Close()

		user, err := m.CreateUser(cmd.Context(), name, email, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.ID, user.Email)
		return nil
	},
}

func init() {
	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().String("email", "", "login email")
	userAddCmd.Flags().String("password", "", "password, at least 8 characters")
	_ = userAddCmd.MarkFlagRequired("name")
	_ = userAddCmd.MarkFlagRequired("email")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd)
}
