// Command issue-token mints a bearer token for a terminal or a staff member.
// The signing secret comes from AUTH_JWT_SECRET, as on the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kkkkikiki/brewledger/internal/auth"
	"github.com/kkkkikiki/brewledger/internal/config"
)

func main() {
	tenant := flag.String("tenant", "", "tenant (shop) the token is valid for")
	terminal := flag.String("terminal", "", "terminal id, required for the terminal role")
	role := flag.String("role", auth.RoleTerminal, "terminal, staff or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (default AUTH_TOKEN_TTL)")
	flag.Parse()

	cfg, err := config.Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *role == auth.RoleTerminal && *terminal == "" {
		fmt.Fprintln(os.Stderr, "-terminal is required for terminal tokens")
		os.Exit(2)
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	token, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, lifetime).Issue(*tenant, *terminal, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
