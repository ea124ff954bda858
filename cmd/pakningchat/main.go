package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"PakningChat/internal/chatbot"
	"PakningChat/internal/config"
	"PakningChat/internal/session"
)

var (
	configPath string
	debug      bool
	mode       string
	model      string
	noStream   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pakningchat",
		Short:         "PAKNING R1 terminal chatbot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ~/.pakningchat/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&mode, "mode", "m", "", "Mode for new sessions (default|deepthink|expert|coder)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model identifier")
	rootCmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the whole reply instead of streaming it")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "sessions",
			Short: "List chat sessions",
			Args:  cobra.NoArgs,
			RunE:  runSessions,
		},
		&cobra.Command{
			Use:   "export [file]",
			Short: "Export all chats as JSON (stdout when no file is given)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runExport,
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Replace chats with an export file",
			Args:  cobra.ExactArgs(1),
			RunE:  runImport,
		},
		&cobra.Command{
			Use:   "backups",
			Short: "List stored backups",
			Args:  cobra.NoArgs,
			RunE:  runBackups,
		},
		&cobra.Command{
			Use:   "restore <n>",
			Short: "Restore backup n as numbered by the backups command",
			Args:  cobra.ExactArgs(1),
			RunE:  runRestore,
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Test the API connection",
			Args:  cobra.NoArgs,
			RunE:  runPing,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadBot reads the config, applies flags and builds the chatbot
func loadBot(cmd *cobra.Command) (*chatbot.ChatBot, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Debug = true
	}
	if mode != "" {
		cfg.DefaultMode = mode
	}
	if model != "" {
		cfg.API.Model = model
	}
	if f := cmd.Flags().Lookup("no-stream"); f != nil && f.Changed {
		cfg.API.Stream = !noStream
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return bot.Run(ctx)
}

func runSessions(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	current, _ := bot.CurrentSession()
	for i, cs := range bot.Sessions() {
		marker := " "
		if cs.ID == current.ID {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d. %-33s [%s] %d messages  %s\n",
			marker, i+1, session.DisplayTitle(cs.Title), cs.Mode, len(cs.Messages), cs.ID)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	if len(args) == 0 {
		return bot.Export(cmd.OutOrStdout())
	}
	f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", args[0], err)
	}
	if err := bot.Export(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Exported to", args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()
	if err := bot.Import(f); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d chats\n", len(bot.Sessions()))
	return nil
}

func runBackups(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	headers := bot.Backups()
	if len(headers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups yet.")
		return nil
	}
	for _, h := range headers {
		if h.Malformed {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. (unreadable)\n", h.Index)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s - %d chats\n", h.Index, h.Timestamp.Format(time.DateTime), h.Chats)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid backup number %q", args[0])
	}
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	if !bot.Restore(n) {
		return fmt.Errorf("backup %d could not be restored", n)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Backup restored")
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	bot, err := loadBot(cmd)
	if err != nil {
		return err
	}
	defer bot.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if err := bot.Ping(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Connection OK")
	return nil
}
