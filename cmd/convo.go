package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/devkit/internal/convo"
	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/output"
)

var (
	convoProject     string
	convoAllProjects bool
	convoLimit       int
	convoSubagents   bool
	convoJSON        bool
	convoForce       bool
)

var convoCmd = &cobra.Command{
	Use:     "convo",
	Aliases: []string{"conversations"},
	Short:   "Browse Claude conversation history",
	Long: `List and search Claude conversation logs.

Metadata is cached in the devkit database and refreshed incrementally: only
logs whose modification time changed are parsed again. Without --project,
commands are scoped to the project of the current directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoListRun(cmd.Context())
	},
}

var convoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoListRun(cmd.Context())
	},
}

var convoSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search titles, prompts and user messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoSearchRun(cmd.Context(), args[0])
	},
}

var convoShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show conversation metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoShowRun(cmd.Context(), args[0])
	},
}

var convoStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daily conversation activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoStatsRun(cmd.Context())
	},
}

var convoReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Drop the metadata cache and rebuild it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoReindexRun(cmd.Context())
	},
}

var convoWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the metadata cache up to date as logs change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmdContext(cmd.Context()), shutdownSignals()...)
		defer stop()
		return convoWatchRun(ctx)
	},
}

var convoTitleCmd = &cobra.Command{
	Use:   "title <session-id>",
	Short: "Generate a title for a conversation with the Anthropic API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convoTitleRun(cmd.Context(), args[0])
	},
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&convoProject, "project", "p", "", "Project directory name or path (default: current directory)")
	cmd.Flags().BoolVarP(&convoAllProjects, "all-projects", "a", false, "Include every project")
}

func init() {
	for _, c := range []*cobra.Command{convoCmd, convoListCmd, convoSearchCmd} {
		addScopeFlags(c)
		c.Flags().IntVarP(&convoLimit, "limit", "l", 0, "Show at most N sessions (default from convo.default_limit)")
		c.Flags().BoolVar(&convoSubagents, "subagents", false, "Include subagent sessions")
		c.Flags().BoolVar(&convoJSON, "json", false, "Output as JSON")
	}
	addScopeFlags(convoStatsCmd)
	convoStatsCmd.Flags().BoolVar(&convoJSON, "json", false, "Output as JSON")
	convoShowCmd.Flags().BoolVar(&convoJSON, "json", false, "Output as JSON")
	addScopeFlags(convoWatchCmd)
	convoTitleCmd.Flags().BoolVarP(&convoForce, "force", "f", false, "Replace an existing generated title")

	convoCmd.AddCommand(convoListCmd)
	convoCmd.AddCommand(convoSearchCmd)
	convoCmd.AddCommand(convoShowCmd)
	convoCmd.AddCommand(convoStatsCmd)
	convoCmd.AddCommand(convoReindexCmd)
	convoCmd.AddCommand(convoWatchCmd)
	convoCmd.AddCommand(convoTitleCmd)
	rootCmd.AddCommand(convoCmd)
}

// convoScope resolves the project scope from flags. Without --project the
// current directory's project is used when it has logs; otherwise every
// project is listed.
func convoScope(ix *convo.Indexer) string {
	if convoAllProjects {
		return ""
	}
	if convoProject != "" {
		return convoProject
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	name := convo.EncodeProject(cwd)
	if info, err := os.Stat(filepath.Join(ix.ProjectsDir(), name)); err != nil || !info.IsDir() {
		ui.VerboseLog("No conversation logs for %s, listing all projects", cwd)
		return ""
	}
	return name
}

func convoListingOptions(ix *convo.Indexer) convo.ListingOptions {
	limit := convoLimit
	if limit <= 0 {
		limit = viper.GetInt("convo.default_limit")
	}
	return convo.ListingOptions{
		Project:          convoScope(ix),
		IncludeSubagents: convoSubagents,
		Limit:            limit,
		Progress:         progressReporter(),
	}
}

// progressReporter prints indexing progress for large refreshes.
func progressReporter() func(done, total int) {
	return func(done, total int) {
		if total < 50 {
			return
		}
		fmt.Fprintf(ui.ErrOut, "\rIndexing conversations %d/%d", done, total)
		if done == total {
			fmt.Fprintln(ui.ErrOut)
		}
	}
}

func convoListRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	listing, err := ix.Listing(ctx, convoListingOptions(ix))
	if err != nil {
		return err
	}
	return printListing(listing)
}

func convoSearchRun(ctx context.Context, query string) error {
	ctx = cmdContext(ctx)
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	listing, err := ix.Search(ctx, query, convoListingOptions(ix))
	if err != nil {
		return err
	}
	return printListing(listing)
}

func printListing(l *convo.Listing) error {
	if convoJSON {
		if l.Sessions == nil {
			l.Sessions = []*models.SessionMetadata{}
		}
		return printJSON(l)
	}

	if l.Reindexed {
		ui.Info("Metadata format changed, cache rebuilt")
	}
	if len(l.Sessions) == 0 {
		ui.Info("No conversations found.")
		return nil
	}

	table := ui.Table([]string{"Session", "Modified", "Msgs", "Branch", "Title"})
	for _, m := range l.Sessions {
		title := m.Title()
		if m.IsSubagent {
			title = output.Yellow("[agent] ") + title
		}
		_ = table.Append([]string{
			shortSessionID(m.SessionID),
			output.Ago(m.ModifiedAt()),
			fmt.Sprintf("%d", m.MessageCount),
			m.GitBranch,
			output.Truncate(title, 80),
		})
	}
	_ = table.Render()

	scope := l.Scope
	if scope == "" {
		scope = fmt.Sprintf("%d projects", l.ProjectCount)
	}
	ui.Info("%d of %d sessions (%s, %d subagent)", len(l.Sessions), l.Total, scope, l.Subagents)
	if l.Indexed > 0 || l.StaleRemoved > 0 {
		ui.VerboseLog("Indexed %d, removed %d stale", l.Indexed, l.StaleRemoved)
	}
	return nil
}

func shortSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func convoShowRun(ctx context.Context, id string) error {
	ctx = cmdContext(ctx)
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	m, err := ix.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if convoJSON {
		return printJSON(m)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(m.SessionID), m.Title())
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(ui.Out, "  %-14s %s\n", label+":", value)
		}
	}
	field("Project", m.Project)
	field("Cwd", m.Cwd)
	field("Branch", m.GitBranch)
	field("Started", m.FirstTimestamp)
	field("Modified", m.ModifiedAt().Format("2006-01-02 15:04:05")+" ("+output.Ago(m.ModifiedAt())+")")
	field("Messages", fmt.Sprintf("%d", m.MessageCount))
	field("Custom title", m.CustomTitle)
	field("Summary", m.Summary)
	field("Generated", m.GeneratedTitle)
	if m.IsSubagent {
		field("Subagent", "yes")
	}
	field("File", m.FilePath)
	if m.FirstPrompt != "" {
		fmt.Fprintf(ui.Out, "\nFirst prompt:\n  %s\n", m.FirstPrompt)
	}
	return nil
}

func convoStatsRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	stats, err := ix.Stats(ctx, convoScope(ix))
	if err != nil {
		return err
	}
	if convoJSON {
		if stats == nil {
			stats = []*models.DailyStat{}
		}
		return printJSON(stats)
	}
	if len(stats) == 0 {
		ui.Info("No activity recorded.")
		return nil
	}

	var sessions, messages int
	table := ui.Table([]string{"Date", "Project", "Sessions", "Messages"})
	for _, s := range stats {
		sessions += s.SessionCount
		messages += s.MessageCount
		_ = table.Append([]string{
			s.Date,
			s.Project,
			fmt.Sprintf("%d", s.SessionCount),
			fmt.Sprintf("%d", s.MessageCount),
		})
	}
	_ = table.Render()
	ui.Info("%d sessions, %d messages", sessions, messages)
	return nil
}

func convoReindexRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would drop the metadata cache and re-read every log under %s", ix.ProjectsDir())
		return nil
	}
	res, err := ix.Reindex(ctx, progressReporter())
	if err != nil {
		return err
	}
	ui.Success("Indexed %d of %d conversation logs", res.Indexed, res.Scanned)
	if res.Failed > 0 {
		ui.Warning("%d logs could not be read (see --verbose)", res.Failed)
	}
	return nil
}

func convoWatchRun(ctx context.Context) error {
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	release, err := pidFile("convo-watch").Acquire()
	if err != nil {
		return fmt.Errorf("convo watch %w", err)
	}
	defer release()

	opts := convo.ListingOptions{Project: convoScope(ix), Limit: 1}

	w := convo.NewWatcher(ix, logger)
	w.OnRefresh = func(l *convo.Listing) {
		if l.Indexed == 0 && l.StaleRemoved == 0 && !l.Reindexed {
			return
		}
		ui.Info("Cache updated: %d indexed, %d removed (%d sessions)", l.Indexed, l.StaleRemoved, l.Total)
	}
	ui.Info("Watching %s (Ctrl-C to stop)", ix.ProjectsDir())
	return w.Run(ctx, opts)
}

func convoTitleRun(ctx context.Context, id string) error {
	ctx = cmdContext(ctx)
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	ix, err := getIndexer()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would generate a title for %s with %s", id, client.Model())
		return nil
	}
	m, err := ix.Summarize(ctx, id, client, convoForce)
	if err != nil {
		return err
	}
	ui.Success("%s: %s", output.Cyan(shortSessionID(m.SessionID)), m.GeneratedTitle)
	return nil
}
