package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"openinterp/internal/config"
	"openinterp/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your openinterp installation",
		Long: `Verifies that the configuration, model provider, language runtimes,
and database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("openinterp doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'openinterp init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Workspace directory
			workspace := config.ExpandPath(cfg.General.Workspace)
			if workspace == "" {
				printWarn("Workspace", "not configured (using current directory)")
				warned++
			} else if info, err := os.Stat(workspace); err != nil {
				printFail("Workspace", fmt.Sprintf("not found: %s", workspace))
				failed++
			} else if !info.IsDir() {
				printFail("Workspace", fmt.Sprintf("not a directory: %s", workspace))
				failed++
			} else {
				printPass("Workspace", workspace)
				passed++
			}

			// 4. Database writable
			dbPath := config.ExpandPath(cfg.Memory.DBPath)
			if dbPath == "" {
				dbPath = filepath.Join(config.DefaultConfigDir(), "openinterp.db")
			}
			if err := checkDatabase(dbPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", dbPath)
				passed++
			}

			// 5. Language runtimes the executor shells out to
			python := cfg.Executor.PythonPath
			if python == "" {
				python = "python3"
			}
			if path, err := exec.LookPath(python); err != nil {
				printWarn("Python runtime", fmt.Sprintf("%s not found; python blocks will fail", python))
				warned++
			} else {
				printPass("Python runtime", path)
				passed++
			}
			shell := cfg.Executor.ShellPath
			if shell == "" {
				shell = "sh"
			}
			if path, err := exec.LookPath(shell); err != nil {
				printFail("Shell runtime", fmt.Sprintf("%s not found", shell))
				failed++
			} else {
				printPass("Shell runtime", path)
				passed++
			}

			// 6. Providers configured and reachable
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			providerCount := 0
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				providerCount++
				if p.APIKey == "" && p.APIBase == "" {
					printWarn("Provider: "+name, "enabled but no API key/base configured")
					warned++
				} else {
					printPass("Provider: "+name, "configured")
					passed++
				}
			}
			if providerCount == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			} else {
				factory := provider.NewFactory(cfg, logger)
				if client := factory.HealthyClient(ctx); client != nil {
					printPass("Provider health", fmt.Sprintf("%s (%s) reachable", client.Name(), client.Model()))
					passed++
				} else {
					printWarn("Provider health", "no enabled provider responded")
					warned++
				}
			}

			// 7. Web port
			if cfg.Channels.Web.Enabled {
				port := cfg.Channels.Web.Port
				if port == 0 {
					port = 8765
				}
				if err := checkPort(port); err != nil {
					printWarn("Web port", fmt.Sprintf("port %d may be in use: %v", port, err))
					warned++
				} else {
					printPass("Web port", fmt.Sprintf(":%d available", port))
					passed++
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				logPath := config.ExpandPath(cfg.General.LogFile)
				if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", logPath)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running openinterp.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nopeninterp should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! openinterp is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
