// Command tokengen issues JWTs for admins and students using the API's signing config.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"presenza/internal/auth"
	"presenza/internal/config"
	"presenza/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel)
	if err := run(os.Args[1:], cfg, os.Stdout); err != nil {
		logger.Error("token issue failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string, cfg config.App, out io.Writer) error {
	fs := flag.NewFlagSet("tokengen", flag.ContinueOnError)
	sub := fs.String("sub", "", "subject: admin id or student roll number")
	role := fs.String("role", auth.RoleStudent, "admin or student")
	admin := fs.String("admin", "", "class admin id (students only)")
	cr := fs.Bool("cr", false, "grant class representative rights")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("-sub is required")
	}
	if *role != auth.RoleAdmin && *role != auth.RoleStudent {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *role == auth.RoleStudent && *admin == "" {
		return fmt.Errorf("-admin is required for students")
	}

	pair, err := auth.Issue(auth.Identity{Subject: *sub, Role: *role, AdminID: *admin, CR: *cr},
		cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	})
}
