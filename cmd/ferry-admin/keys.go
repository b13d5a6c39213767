package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/relatemail/ferry/auth"
)

func handleCreateKey() {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Address of the account to create a key for (required)")
	scopes := fs.String("scopes", "imap,pop3,smtp", "Comma-separated scopes the key grants")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Generate an API key for an account

Usage:
  ferry-admin create-key [options]

Options:
  --address string     Address of the account to create a key for (required)
  --scopes string      Comma-separated scopes: imap, pop3, smtp, api:read,
                       api:write, app (default: imap,pop3,smtp)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

The full key is printed exactly once; only its hash is stored.

Examples:
  ferry-admin create-key --address user@example.com
  ferry-admin create-key --address user@example.com --scopes imap,smtp
  ferry-admin create-key --address ci@example.com --scopes api:read
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *address == "" {
		fmt.Printf("Error: --address is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	scopeList := splitScopes(*scopes)
	if len(scopeList) == 0 {
		fmt.Printf("Error: --scopes must name at least one scope\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if _, err := auth.ParseScopes(scopeList); err != nil {
		fmt.Printf("Error: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	dbf.apply(fs, &cfg)

	ctx := context.Background()
	database := openDatabase(ctx, &cfg)
	defer database.Close()

	accountID, err := database.AccountIDByAddress(ctx, *address)
	if err != nil {
		log.Fatalf("Failed to resolve account %s: %v", *address, err)
	}

	key, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}

	keyID, err := database.CreateAPIKey(ctx, accountID, prefix, hash, scopeList)
	if err != nil {
		log.Fatalf("Failed to store key: %v", err)
	}

	fmt.Printf("Created API key %d for %s (scopes: %s)\n\n", keyID, *address, strings.Join(scopeList, ","))
	fmt.Printf("  %s\n\n", key)
	fmt.Printf("This is the only time the full key is shown. Store it now.\n")
}

func handleListKeys() {
	fs := flag.NewFlagSet("list-keys", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Address of the account to list keys for (required)")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`List active API keys for an account

Usage:
  ferry-admin list-keys [options]

Options:
  --address string     Address of the account to list keys for (required)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  ferry-admin list-keys --address user@example.com
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *address == "" {
		fmt.Printf("Error: --address is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	dbf.apply(fs, &cfg)

	ctx := context.Background()
	database := openDatabase(ctx, &cfg)
	defer database.Close()

	credentials, err := database.ActiveCredentialsByAddress(ctx, *address)
	if err != nil {
		log.Fatalf("Failed to list keys for %s: %v", *address, err)
	}

	if len(credentials) == 0 {
		fmt.Printf("No active API keys for %s\n", *address)
		return
	}

	fmt.Printf("Active API keys for %s:\n\n", *address)
	fmt.Printf("  %-8s %s\n", "ID", "SCOPES")
	for _, cred := range credentials {
		fmt.Printf("  %-8d %s\n", cred.ID, cred.Scopes.String())
	}
}

func handleRevokeKey() {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	keyID := fs.Int64("id", 0, "ID of the key to revoke (required)")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Revoke an API key

Usage:
  ferry-admin revoke-key [options]

Options:
  --id int             ID of the key to revoke, as shown by list-keys (required)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Revoked keys stop authenticating immediately but stay on record.

Examples:
  ferry-admin revoke-key --id 42
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *keyID <= 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	dbf.apply(fs, &cfg)

	ctx := context.Background()
	database := openDatabase(ctx, &cfg)
	defer database.Close()

	if err := database.RevokeAPIKey(ctx, *keyID); err != nil {
		log.Fatalf("Failed to revoke key: %v", err)
	}

	fmt.Printf("Revoked API key %d\n", *keyID)
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
