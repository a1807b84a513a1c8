package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"otakon/internal/catalog"
	"otakon/internal/config"
	"otakon/internal/feedback"
	"otakon/internal/grounding"
	"otakon/internal/lockset"
	"otakon/internal/logging"
	"otakon/internal/parser"
	"otakon/internal/progress"
	"otakon/internal/security"
	"otakon/internal/store"
	"otakon/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "otakon",
	Short: "Otakon - gaming companion core",
	Long: `Otakon is the supporting core of a conversational gaming companion.

It parses directive tags out of AI replies, tracks per-game progress as a
versioned state machine, learns from user confirm/reject feedback, and
decides when a query is worth spending the monthly web-search quota.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// parseCmd runs the directive parser over one AI reply
var parseCmd = &cobra.Command{
	Use:   "parse [text]",
	Short: "Extract directive tags from an AI reply",
	Long: `Parses a raw AI reply, prints the clean conversational text, and lists
every extracted directive. Pass "-" to read the reply from stdin.

Example:
  otakon parse "Nice work! [OTAKON_PROGRESS: 45] [OTAKON_OBJECTIVE: Beat the twin bosses]"`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

// progressCmd shows the progress record and history for one key
var progressCmd = &cobra.Command{
	Use:   "progress [account-id] [game-id]",
	Short: "Show progress state and transition history",
	Args:  cobra.ExactArgs(2),
	RunE:  showProgress,
}

// groundingCmd checks grounding eligibility for a query
var groundingCmd = &cobra.Command{
	Use:   "grounding",
	Short: "Grounding quota commands (classification, eligibility)",
}

var groundingCheckCmd = &cobra.Command{
	Use:   "check [query]",
	Short: "Classify a query and decide whether it earns a web search",
	Long: `Runs the full eligibility check: query classification, the account's
monthly usage, and the tier quota policy.

Examples:
  otakon grounding check "is gta 6 any good" --account acct-1 --tier free
  otakon grounding check "what is the current meta" --game Valorant --tier pro`,
	Args: cobra.ExactArgs(1),
	RunE: checkGrounding,
}

// statsCmd summarizes feedback and mined improvements for a game
var statsCmd = &cobra.Command{
	Use:   "stats [game-id]",
	Short: "Show feedback statistics and detection improvements",
	Args:  cobra.ExactArgs(1),
	RunE:  showStats,
}

var (
	editionTag     string
	accountID      string
	tier           string
	gameTitle      string
	releaseEpoch   int64
	historyEntries int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Operation timeout")

	progressCmd.Flags().StringVar(&editionTag, "edition", "base", "Edition tag")
	progressCmd.Flags().IntVar(&historyEntries, "history", 10, "Number of history entries to show")

	groundingCheckCmd.Flags().StringVar(&accountID, "account", "local", "Account id")
	groundingCheckCmd.Flags().StringVar(&tier, "tier", "free", "Subscription tier (free, pro, vanguard_pro)")
	groundingCheckCmd.Flags().StringVar(&gameTitle, "game", "", "Game title for classification")
	groundingCheckCmd.Flags().Int64Var(&releaseEpoch, "release-epoch", 0, "Game release time in unix seconds")
	groundingCmd.AddCommand(groundingCheckCmd)

	statsCmd.Flags().StringVar(&editionTag, "edition", "base", "Edition tag")

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(groundingCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext builds the per-command context with timeout and signal
// cancellation.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

// openCore loads configuration, brings up categorized logging, and opens the
// backing store. The caller closes the returned store.
func openCore() (*config.Config, *store.Store, error) {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("categorized logging unavailable", zap.Error(err))
	}

	s, err := store.Open(cfg.DatabasePath(ws))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, s, nil
}

func runParse(cmd *cobra.Command, args []string) error {
	text := args[0]
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(data)
	}

	res := parser.New().Parse(text)

	fmt.Println("Clean text:")
	fmt.Println(res.CleanText)
	if res.Directives.Len() == 0 {
		fmt.Println("\nNo directives found.")
		return nil
	}

	fmt.Printf("\nDirectives (%d):\n", res.Directives.Len())
	for name, d := range res.Directives.AllFromFront() {
		switch d.Kind {
		case parser.KindProgress:
			fmt.Printf("  %-16s progress=%d%%\n", name, d.Progress)
		case parser.KindText:
			fmt.Printf("  %-16s %q\n", name, d.Text)
		case parser.KindSuggestions:
			fmt.Printf("  %-16s %d suggestions\n", name, len(d.Suggestions))
			for _, s := range d.Suggestions {
				fmt.Printf("    - %s\n", s)
			}
		case parser.KindSubtabUpdate:
			fmt.Printf("  %-16s %d panel updates\n", name, len(d.Subtabs))
			for _, u := range d.Subtabs {
				fmt.Printf("    - [%s] %s\n", u.Tab, u.Content)
			}
		default:
			fmt.Printf("  %-16s (%s) %s\n", name, d.Kind, d.Raw)
		}
	}
	return nil
}

func showProgress(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	_, s, err := openCore()
	if err != nil {
		return err
	}
	defer s.Close()

	account, game := args[0], args[1]
	tracker := progress.NewTracker(s, catalog.New(s, nil))

	rec, err := tracker.Record(ctx, account, game, editionTag)
	if err != nil {
		return err
	}

	fmt.Printf("Progress for %s / %s (%s edition)\n", account, game, editionTag)
	fmt.Printf("  Level:      %d / %d\n", rec.Level, types.MaxLevel)
	fmt.Printf("  Confidence: %.2f\n", rec.Confidence)
	fmt.Printf("  Completed:  %d events\n", len(rec.CompletedEvents))

	history, err := tracker.History(ctx, account, game, editionTag)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	fmt.Println("\nRecent transitions:")
	for i, tr := range history {
		if i >= historyEntries {
			break
		}
		fb := ""
		if tr.UserFeedback != types.FeedbackNone {
			fb = fmt.Sprintf(" [%s]", tr.UserFeedback)
		}
		fmt.Printf("  %s  %s  level %d -> %d  conf %.2f%s\n",
			tr.CreatedAt.Format("2006-01-02 15:04"), tr.EventID, tr.OldLevel, tr.NewLevel, tr.AIConfidence, fb)
	}
	return nil
}

func checkGrounding(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, s, err := openCore()
	if err != nil {
		return err
	}
	defer s.Close()

	opts := grounding.Options{
		TierLimits:           cfg.Grounding.TierLimits,
		FreeLiveServiceLimit: cfg.Grounding.FreeLiveServiceLimit,
		CacheTTL:             cfg.Grounding.UsageCacheTTL,
	}
	if cfg.Grounding.KnowledgeCutoff != "" {
		// Already validated by config.Load.
		opts.KnowledgeCutoff, _ = time.Parse(time.RFC3339, cfg.Grounding.KnowledgeCutoff)
	}
	engine := grounding.NewEngine(s, opts)

	el := engine.CheckEligibility(ctx, accountID, tier, args[0], gameTitle, releaseEpoch)

	fmt.Printf("Category:  %s\n", el.Category)
	fmt.Printf("Grounding: %v\n", el.UseGrounding)
	fmt.Printf("Reason:    %s\n", el.Reason)
	fmt.Printf("Quota:     %d/%d used, %d remaining\n",
		el.RemainingQuota.Used, el.RemainingQuota.Limit, el.RemainingQuota.Remaining)
	if engine.Degraded() {
		fmt.Println("Warning:   usage schema missing, counting in memory only")
	}
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, s, err := openCore()
	if err != nil {
		return err
	}
	defer s.Close()

	game := args[0]
	engine := feedback.NewEngine(s, security.NewGate(), lockset.New(0), cfg.Progress.BaseEdition)

	stats, err := engine.GetStatistics(ctx, game, editionTag)
	if err != nil {
		return err
	}

	fmt.Printf("Feedback for %s (%s edition)\n", game, editionTag)
	fmt.Printf("  Total:          %d\n", stats.TotalFeedback)
	fmt.Printf("  Confirmed:      %d\n", stats.Confirmations)
	fmt.Printf("  Rejected:       %d\n", stats.Rejections)
	fmt.Printf("  Avg confidence: %.2f\n", stats.AverageConfidence)
	fmt.Printf("  Trend:          %s\n", stats.Trend)

	improvements, err := engine.GetDetectionImprovements(ctx, game, editionTag)
	if err != nil {
		return err
	}
	if len(improvements) > 0 {
		fmt.Println("\nDetection improvements:")
		for _, imp := range improvements {
			fmt.Printf("  - %s\n", imp)
		}
	}
	return nil
}
