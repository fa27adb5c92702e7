package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/config"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/secrets"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tinyclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	dbPath := filepath.Join(baseDir(), "data", "tinyclaw.db")
	fmt.Printf("  Store:    %s", dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Printf(" (DIR FAILED: %s)\n", err)
	} else if st, err := store.Open(dbPath, clock.System{}); err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		st.Close()
		fmt.Println(" (OK)")
	}

	sec := secrets.Env{}

	fmt.Println()
	fmt.Println("  Providers:")
	fallback := cfg.GetString("providers.fallback", "openai")
	if tree, ok := cfg.Get("providers"); ok {
		section, _ := tree.(map[string]interface{})
		for name, raw := range section {
			if name == "fallback" {
				continue
			}
			pcfg, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			checkProvider(name, name == fallback, pcfg, sec)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("telegram", cfg.GetBool("channels.telegram.enabled", false), sec.Check("channel.telegram.token"))
	checkChannel("discord", cfg.GetBool("channels.discord.enabled", false), sec.Check("channel.discord.token"))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name string, fallback bool, pcfg map[string]interface{}, sec secrets.Store) {
	label := name
	if fallback {
		label += " (fallback)"
	}
	apiKey, err := sec.Retrieve("provider." + name + ".apiKey")
	if err != nil {
		fmt.Printf("    %-20s no api key\n", label+":")
		return
	}
	apiBase, _ := pcfg["apiBase"].(string)
	model, _ := pcfg["model"].(string)
	p := providers.NewHTTPProvider(name, apiKey, apiBase, model)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.IsAvailable(ctx); err != nil {
		fmt.Printf("    %-20s UNREACHABLE (%s)\n", label+":", err)
		return
	}
	fmt.Printf("    %-20s OK (%s)\n", label+":", p.DefaultModel())
}

func checkChannel(name string, enabled, hasToken bool) {
	status := "disabled"
	switch {
	case enabled && hasToken:
		status = "enabled"
	case enabled:
		status = "enabled (missing token)"
	}
	fmt.Printf("    %-20s %s\n", name+":", status)
}
