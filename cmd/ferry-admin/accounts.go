package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

func handleCreateAccount() {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Email address for the new account (required)")
	displayName := fs.String("name", "", "Display name for the new account")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Create a new account

Usage:
  ferry-admin create-account [options]

Options:
  --address string     Email address for the new account (required)
  --name string        Display name for the new account
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

An account cannot authenticate until it has an API key; follow up with
'ferry-admin create-key'.

Examples:
  ferry-admin create-account --address user@example.com
  ferry-admin create-account --address user@example.com --name "Example User"
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

	account, err := database.CreateAccount(ctx, *address, *displayName)
	if err != nil {
		log.Fatalf("Failed to create account: %v", err)
	}

	fmt.Printf("Successfully created account %s (id %d)\n", account.Address, account.ID)
}

func handleShowAccount() {
	fs := flag.NewFlagSet("show-account", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Email address of the account to show (required)")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Show account details

Usage:
  ferry-admin show-account [options]

Options:
  --address string     Email address of the account to show (required)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  ferry-admin show-account --address user@example.com
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

	account, err := database.GetAccountByAddress(ctx, *address)
	if err != nil {
		log.Fatalf("Failed to look up account %s: %v", *address, err)
	}

	fmt.Printf("Account %s\n\n", account.Address)
	fmt.Printf("  %-14s %d\n", "ID", account.ID)
	if account.DisplayName != "" {
		fmt.Printf("  %-14s %s\n", "Display name", account.DisplayName)
	}
	fmt.Printf("  %-14s %s\n", "Created", account.CreatedAt.Format(time.RFC3339))
}
