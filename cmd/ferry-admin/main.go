package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/relatemail/ferry/config"
	"github.com/relatemail/ferry/db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "create-account":
		handleCreateAccount()
	case "show-account":
		handleShowAccount()
	case "create-key":
		handleCreateKey()
	case "list-keys":
		handleListKeys()
	case "revoke-key":
		handleRevokeKey()
	case "scan-content":
		handleScanContent()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Ferry Admin Tool

Usage:
  ferry-admin <command> [options]

Commands:
  create-account  Create a new account
  show-account    Show account details
  create-key      Generate an API key for an account
  list-keys       List active API keys for an account
  revoke-key      Revoke an API key
  scan-content    Report (and optionally delete) orphaned content store objects
  help            Show this help message

Examples:
  ferry-admin create-account --address user@example.com --name "Example User"
  ferry-admin show-account --address user@example.com
  ferry-admin create-key --address user@example.com --scopes imap,pop3,smtp
  ferry-admin list-keys --address user@example.com
  ferry-admin revoke-key --id 42
  ferry-admin scan-content --delete
  ferry-admin create-key --config /path/to/config.toml --address user@example.com

Use 'ferry-admin <command> --help' for more information about a command.
`)
}

// dbFlags is the set of database override flags shared by every command.
type dbFlags struct {
	host     *string
	port     *string
	user     *string
	password *string
	name     *string
	tls      *bool
}

func registerDBFlags(fs *flag.FlagSet) *dbFlags {
	return &dbFlags{
		host:     fs.String("dbhost", "", "Database host (overrides config)"),
		port:     fs.String("dbport", "", "Database port (overrides config)"),
		user:     fs.String("dbuser", "", "Database user (overrides config)"),
		password: fs.String("dbpassword", "", "Database password (overrides config)"),
		name:     fs.String("dbname", "", "Database name (overrides config)"),
		tls:      fs.Bool("dbtls", false, "Enable TLS for database connection (overrides config)"),
	}
}

func (f *dbFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	if isFlagSet(fs, "dbhost") {
		cfg.Database.Write.Host = *f.host
	}
	if isFlagSet(fs, "dbport") {
		cfg.Database.Write.Port = *f.port
	}
	if isFlagSet(fs, "dbuser") {
		cfg.Database.Write.User = *f.user
	}
	if isFlagSet(fs, "dbpassword") {
		cfg.Database.Write.Password = *f.password
	}
	if isFlagSet(fs, "dbname") {
		cfg.Database.Write.Name = *f.name
	}
	if isFlagSet(fs, "dbtls") {
		cfg.Database.Write.TLSMode = *f.tls
	}
}

// loadConfig reads the TOML file over the application defaults. A missing
// default config file is fine; a missing explicitly requested one is not.
func loadConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.Load(configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if isFlagSet(fs, "config") {
				log.Fatalf("Specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults and command-line flags.", configPath)
		} else {
			log.Fatalf("Error loading configuration: %v", err)
		}
	}
	return cfg
}

func openDatabase(ctx context.Context, cfg *config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
