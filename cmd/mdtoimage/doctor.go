package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/yumo666666/MdToImage/internal/config"
	"github.com/yumo666666/MdToImage/internal/domain"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mdtoimage installation",
		Long: `Verifies that mdtoimage's configuration, cache database, listener
ports, and log file are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("mdtoimage Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'mdtoimage init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Policy sanity
			policy := cfg.Policy.ToPolicy()
			if policy.AssemblyTimeout < policy.FetchTimeout {
				printWarn("Policy", "assemblyTimeoutMs is shorter than fetchTimeoutMs; slow fetches will always degrade")
				warned++
			} else {
				printPass("Policy", fmt.Sprintf("mode=%s, fetch=%s, assembly=%s", policy.FailureMode, policy.FetchTimeout, policy.AssemblyTimeout))
				passed++
			}
			if policy.FailureMode != domain.FailureSkip && policy.FailureMode != domain.FailureKeepLink {
				printFail("Policy", fmt.Sprintf("unknown failureMode %q", policy.FailureMode))
				failed++
			}

			// 4. Cache database writable
			if cfg.Cache.Enabled {
				if err := checkDatabase(cfg.Cache.DBPath); err != nil {
					printFail("Cache database", err.Error())
					failed++
				} else {
					printPass("Cache database", cfg.Cache.DBPath)
					passed++
				}
			} else {
				printWarn("Cache database", "disabled; every image is re-fetched")
				warned++
			}

			// 5. Delivery channels configured
			channelCount := 0
			if cfg.Channels.Webhook.Enabled {
				channelCount++
			}
			if cfg.Channels.Websocket.Enabled {
				channelCount++
			}
			if cfg.Channels.Telegram.Enabled {
				channelCount++
				if cfg.Channels.Telegram.Token == "" {
					printWarn("Channel: telegram", "enabled but no token configured")
					warned++
				} else {
					printPass("Channel: telegram", "configured")
					passed++
				}
			}
			if cfg.Channels.Discord.Enabled {
				channelCount++
				if cfg.Channels.Discord.Token == "" {
					printWarn("Channel: discord", "enabled but no token configured")
					warned++
				} else {
					printPass("Channel: discord", "configured")
					passed++
				}
			}
			if cfg.Channels.Slack.Enabled {
				channelCount++
				if cfg.Channels.Slack.BotToken == "" {
					printWarn("Channel: slack", "enabled but no botToken configured")
					warned++
				} else {
					printPass("Channel: slack", "configured")
					passed++
				}
			}
			if cfg.Channels.CLI.Enabled {
				channelCount++
			}
			if channelCount == 0 {
				printFail("Channels", "no channels enabled")
				failed++
			}

			// 6. Check ports
			if cfg.Channels.Webhook.Enabled {
				if err := checkPort(cfg.Channels.Webhook.Port); err != nil {
					printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Channels.Webhook.Port, err))
					warned++
				} else {
					printPass("Webhook port", fmt.Sprintf(":%d available", cfg.Channels.Webhook.Port))
					passed++
				}
			}
			if cfg.Channels.Websocket.Enabled {
				if err := checkPort(cfg.Channels.Websocket.Port); err != nil {
					printWarn("Websocket port", fmt.Sprintf("port %d may be in use: %v", cfg.Channels.Websocket.Port, err))
					warned++
				} else {
					printPass("Websocket port", fmt.Sprintf(":%d available", cfg.Channels.Websocket.Port))
					passed++
				}
			}

			// 7. Check log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running mdtoimage.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nmdtoimage should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! mdtoimage is ready to run.\n")
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
