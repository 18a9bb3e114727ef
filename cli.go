package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"hub/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("hub server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "audit":
		return cliAudit(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	name, err := st.GetSetting(ctx, "server_name")
	if err != nil {
		name = "(unnamed)"
	}
	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: hub settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliAudit(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	limit := 50
	events, err := st.RecentEvents(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No audit events recorded.")
		return true
	}
	for _, e := range events {
		fmt.Printf("%s uid=%d %-20s %s %s\n", e.Time.Format("2006-01-02T15:04:05Z07:00"), e.UID, e.Username, e.Event, e.Detail)
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "hub-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
