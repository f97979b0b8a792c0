package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/transit-seat-reservation/internal/middleware"
	"github.com/iliyamo/transit-seat-reservation/internal/utils"
)

func newTokenCommand() *cobra.Command {
	var (
		subject, role, secret string
		ttl                   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT accepted by the API",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			role = strings.ToUpper(role)
			switch role {
			case middleware.RolePassenger, middleware.RoleDriver, middleware.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			tok, err := utils.NewAccessToken(secret, subject, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.OutOrStdout(), tok.Token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "occupant or operator id")
	cmd.Flags().StringVar(&role, "role", middleware.RolePassenger, "PASSENGER, DRIVER or ADMIN")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret (JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
