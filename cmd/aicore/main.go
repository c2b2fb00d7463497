package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/gateway"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/memory"
	"github.com/stellarlinkco/aicore/internal/store"
)

var version = "dev"

// ClientFactory creates the model client, injectable for tests.
type ClientFactory func(cfg *config.Config) (llm.Client, error)

func defaultClientFactory(cfg *config.Config) (llm.Client, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'aicore onboard' or set AICORE_API_KEY / OPENAI_API_KEY")
	}
	return llm.NewOpenAIClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		cfg.Agent.Model,
		cfg.Agent.MaxTokens,
		cfg.Agent.Temperature,
		time.Duration(cfg.Provider.TimeoutMs)*time.Millisecond,
	), nil
}

// ChatOptions carries injectable dependencies for the chat command.
type ChatOptions struct {
	ClientFactory ClientFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "aicore",
	Short: "aicore - conversational agent core",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the model in single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the full gateway (channels + cron + persistence)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aicore status",
	RunE:  runStatus,
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect persisted long-term memory",
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory counts per session",
	RunE:  runMemoryStats,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored memories",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySearch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("aicore", version)
	},
}

var (
	messageFlag string
	sessionFlag string
	topKFlag    int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	memorySearchCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "Limit search to one session id")
	memorySearchCmd.Flags().IntVarP(&topKFlag, "top", "k", 5, "Number of results per session")
	memoryCmd.AddCommand(memoryStatsCmd, memorySearchCmd)
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd, memoryCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat command with injectable dependencies.
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = defaultClientFactory
	}
	client, err := factory(cfg)
	if err != nil {
		return err
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	system := llm.Message{Role: "system", Content: fmt.Sprintf("You are %s, a helpful assistant.", cfg.Agent.Name)}

	if messageFlag != "" {
		res, err := client.Chat(ctx, llm.Request{Messages: []llm.Message{
			system,
			{Role: "user", Content: messageFlag},
		}})
		if err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		fmt.Fprintln(stdout, res.Content)
		return nil
	}

	fmt.Fprintln(stdout, "aicore chat (type 'exit' to quit)")
	history := []llm.Message{system}
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		history = append(history, llm.Message{Role: "user", Content: input})
		res, err := client.Chat(ctx, llm.Request{Messages: history})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, llm.Message{Role: "assistant", Content: res.Content})
		fmt.Fprintln(stdout, res.Content)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'aicore onboard' or set AICORE_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	if err := os.MkdirAll(filepath.Join(cfgDir, "data", "cron"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("Data directory ready: %s\n", filepath.Join(cfgDir, "data"))
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set AICORE_API_KEY environment variable")
	fmt.Println("  3. Run 'aicore chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Agent: %s\n", cfg.Agent.Name)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Printf("Store: %s\n", cfg.Store.DBPath)

	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Printf("Sessions: error (%v)\n", err)
		return nil
	}
	defer db.Close()

	ids, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Sessions: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Sessions: %d\n", len(ids))
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stores, cleanup, err := loadMemoryStores(cfg, "")
	if err != nil {
		return err
	}
	defer cleanup()

	if len(stores) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}
	for _, s := range stores {
		st := s.Stats()
		fmt.Printf("%s: %d units, %d short entries, total weight %.1f\n",
			s.Session(), st.Units, st.ShortEntries, st.TotalWeight)
	}
	return nil
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stores, cleanup, err := loadMemoryStores(cfg, sessionFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	query := args[0]
	found := 0
	for _, s := range stores {
		units := s.Search(context.Background(), query, memory.SearchOptions{TopK: topKFlag})
		for _, u := range units {
			found++
			fmt.Printf("[%s] %.1f  %s\n", s.Session(), u.Weight, u.Text)
		}
	}
	if found == 0 {
		fmt.Println("No matching memories.")
	}
	return nil
}

// loadMemoryStores restores persisted memory snapshots into live stores.
// With a non-empty session filter only that session is loaded.
func loadMemoryStores(cfg *config.Config, session string) ([]*memory.Store, func(), error) {
	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	cleanup := func() { _ = db.Close() }

	ids, err := db.ListSessions()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("list sessions: %w", err)
	}

	var stores []*memory.Store
	for _, id := range ids {
		if session != "" && id != session {
			continue
		}
		var snap memory.Snapshot
		found, err := db.LoadMemory(id, &snap)
		if err != nil || !found {
			continue
		}
		s := memory.NewStore(id, cfg.Memory.Limit, cfg.Memory.WeightCap, cfg.Memory.ShortLimit)
		if err := s.Restore(snap); err != nil {
			fmt.Fprintf(os.Stderr, "warning: restore memory %s: %v\n", id, err)
			continue
		}
		stores = append(stores, s)
	}
	return stores, cleanup, nil
}
