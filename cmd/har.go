package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/devkit/internal/har"
	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/output"
	"github.com/joescharf/devkit/internal/refstore"
)

var (
	harSession     string
	harFilter      har.EntryFilter
	harJSON        bool
	harRaw         bool
	harFull        bool
	harSection     string
	harScope       string
	harSearchLimit int
	harOutput      string
	harSanitize    bool
	harStripBodies bool
	harCleanAll    bool
	harClean       bool
)

var harCmd = &cobra.Command{
	Use:   "har",
	Short: "Analyze HAR captures",
	Long: `Load a HAR file once, then filter, inspect and search its entries.

Entries are addressed as e<index>, e.g. e14. Large headers and bodies are
printed once and then replaced by a short preview with a [ref:...] marker
that "devkit har expand" resolves.`,
}

var harLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a HAR file and make it the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return harLoadRun(cmd.Context(), args[0])
	},
}

var harListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List entries of the current session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return harListRun(cmd.Context())
	},
}

var harShowCmd = &cobra.Command{
	Use:   "show <entry>",
	Short: "Show one entry, e.g. e14",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return harShowRun(cmd.Context(), args[0])
	},
}

var harExpandCmd = &cobra.Command{
	Use:   "expand <ref>",
	Short: "Print the full value behind a [ref:...] marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return harExpandRun(cmd.Context(), args[0])
	},
}

var harSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search URLs, headers and bodies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return harSearchRun(cmd.Context(), args[0])
	},
}

var harExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the filtered entries as a new HAR file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return harExportRun(cmd.Context())
	},
}

var harSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or clean stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return harSessionsRun(cmd.Context())
	},
}

var harUseCmd = &cobra.Command{
	Use:   "use <hash>",
	Short: "Switch the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return harUseRun(cmd.Context(), args[0])
	},
}

var harStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return harStatsRun(cmd.Context())
	},
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&harFilter.Domain, "domain", "", "Host glob, e.g. *.example.com")
	cmd.Flags().StringVar(&harFilter.URL, "url", "", "URL glob, e.g. */api/*")
	cmd.Flags().StringVar(&harFilter.Status, "status", "", "Status: 200, 4xx, !3xx, !404")
	cmd.Flags().StringVar(&harFilter.Method, "method", "", "Methods, comma-separated")
	cmd.Flags().StringVar(&harFilter.Type, "type", "", "MIME type glob, e.g. *json*")
	cmd.Flags().Float64Var(&harFilter.MinTime, "min-time", 0, "Minimum total time in ms")
	cmd.Flags().Int64Var(&harFilter.MinSize, "min-size", 0, "Minimum response size in bytes")
}

func init() {
	for _, c := range []*cobra.Command{harListCmd, harShowCmd, harExpandCmd, harSearchCmd, harExportCmd, harStatsCmd} {
		c.Flags().StringVar(&harSession, "session", "", "Session hash or prefix (default: last loaded)")
	}

	addFilterFlags(harListCmd)
	harListCmd.Flags().IntVar(&harFilter.Limit, "limit", 0, "Show at most N entries")
	harListCmd.Flags().BoolVar(&harJSON, "json", false, "Output as JSON")

	harShowCmd.Flags().BoolVar(&harRaw, "raw", false, "Print bodies without JSON pretty-printing")
	harShowCmd.Flags().BoolVar(&harFull, "full", false, "Print every value in full, bypassing references")
	harShowCmd.Flags().StringVar(&harSection, "section", "all", "Section: "+strings.Join(har.Sections, ", "))

	addFilterFlags(harSearchCmd)
	harSearchCmd.Flags().StringVar(&harScope, "scope", har.ScopeAll, "Where to search: url, headers, body, all")
	harSearchCmd.Flags().IntVar(&harSearchLimit, "limit", 50, "Show at most N hits")
	harSearchCmd.Flags().BoolVar(&harJSON, "json", false, "Output as JSON")

	addFilterFlags(harExportCmd)
	harExportCmd.Flags().StringVarP(&harOutput, "output", "o", "", "Output file (default stdout)")
	harExportCmd.Flags().BoolVar(&harSanitize, "sanitize", false, "Redact credentials in headers, cookies and query strings")
	harExportCmd.Flags().BoolVar(&harStripBodies, "strip-bodies", false, "Drop request and response bodies")

	harSessionsCmd.Flags().BoolVar(&harClean, "clean", false, "Delete expired sessions")
	harSessionsCmd.Flags().BoolVar(&harCleanAll, "all", false, "With --clean, delete every session")
	harSessionsCmd.Flags().BoolVar(&harJSON, "json", false, "Output as JSON")

	harStatsCmd.Flags().BoolVar(&harJSON, "json", false, "Output as JSON")

	harCmd.AddCommand(harLoadCmd)
	harCmd.AddCommand(harListCmd)
	harCmd.AddCommand(harShowCmd)
	harCmd.AddCommand(harExpandCmd)
	harCmd.AddCommand(harSearchCmd)
	harCmd.AddCommand(harExportCmd)
	harCmd.AddCommand(harSessionsCmd)
	harCmd.AddCommand(harUseCmd)
	harCmd.AddCommand(harStatsCmd)
	rootCmd.AddCommand(harCmd)
}

func cmdContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ui.Out, string(data))
	return err
}

func harLoadRun(ctx context.Context, path string) error {
	ctx = cmdContext(ctx)
	m := getManager()

	if n, err := m.CleanExpiredSessions(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to clean expired sessions")
	} else if n > 0 {
		ui.VerboseLog("Removed %d expired session(s)", n)
	}

	sess, reused, err := m.CreateSession(ctx, path)
	if err != nil {
		return err
	}

	verb := "Loaded"
	if reused {
		verb = "Reusing cached session for"
	}
	ui.Success("%s %s: %d entries, %d errors (session %s)",
		verb, sess.SourceFile, len(sess.Entries), sess.Stats.ErrorCount, output.Cyan(sess.ShortHash()))
	if sess.Stats.SkippedEntries > 0 {
		ui.Warning("Skipped %d malformed entries", sess.Stats.SkippedEntries)
	}
	return nil
}

func harListRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	sess, err := getManager().RequireSession(ctx, harSession)
	if err != nil {
		return err
	}

	entries := har.FilterEntries(sess.Entries, harFilter)
	if harJSON {
		if entries == nil {
			entries = []models.IndexedEntry{}
		}
		return printJSON(entries)
	}

	if len(entries) == 0 {
		ui.Info("No entries match (%d total).", len(sess.Entries))
		return nil
	}

	table := ui.Table([]string{"Ref", "Method", "Status", "Type", "Size", "Time", "URL"})
	for _, e := range entries {
		_ = table.Append([]string{
			e.Ref(),
			e.Method,
			output.HTTPStatusColor(e.Status),
			e.MimeType,
			output.Bytes(e.ResponseSize),
			output.DurationColor(e.TimeMs),
			output.Truncate(e.URL, 100),
		})
	}
	_ = table.Render()

	if len(entries) < len(sess.Entries) {
		ui.Info("%d of %d entries", len(entries), len(sess.Entries))
	}
	return nil
}

func harShowRun(ctx context.Context, ref string) error {
	ctx = cmdContext(ctx)
	if !har.ValidSection(harSection) {
		return fmt.Errorf("unknown section %q (use: %s)", harSection, strings.Join(har.Sections, ", "))
	}

	m := getManager()
	sess, err := m.RequireSession(ctx, harSession)
	if err != nil {
		return err
	}
	ie, err := har.LookupEntry(sess, ref)
	if err != nil {
		return err
	}
	archive, err := m.OpenArchive(ctx, sess)
	if err != nil {
		return err
	}

	opts := har.ShowOptions{Raw: harRaw, Full: harFull, Section: harSection}
	return har.RenderEntry(ctx, ui.Out, ie, archive.Entries[ie.Index], newFormatter(sess.SourceHash), opts)
}

func harExpandRun(ctx context.Context, refID string) error {
	ctx = cmdContext(ctx)
	sess, err := getManager().RequireSession(ctx, harSession)
	if err != nil {
		return err
	}

	value, ok := newFormatter(sess.SourceHash).Expand(ctx, refID)
	if !ok {
		return fmt.Errorf("reference %s not found in session %s (run show first)", refstore.NormalizeRefID(refID), sess.ShortHash())
	}
	_, err = fmt.Fprintln(ui.Out, value)
	return err
}

func harSearchRun(ctx context.Context, query string) error {
	ctx = cmdContext(ctx)
	m := getManager()
	sess, err := m.RequireSession(ctx, harSession)
	if err != nil {
		return err
	}
	archive, err := m.OpenArchive(ctx, sess)
	if err != nil {
		return err
	}

	hits, err := har.SearchEntries(archive, har.FilterEntries(sess.Entries, harFilter), query, harScope, harSearchLimit)
	if err != nil {
		return err
	}

	if harJSON {
		if hits == nil {
			hits = []har.SearchHit{}
		}
		return printJSON(hits)
	}

	if len(hits) == 0 {
		ui.Info("No matches for %q.", query)
		return nil
	}

	table := ui.Table([]string{"Ref", "Status", "Fields", "Match"})
	for _, h := range hits {
		_ = table.Append([]string{
			h.Entry.Ref(),
			output.HTTPStatusColor(h.Entry.Status),
			strings.Join(h.Fields, ","),
			output.Truncate(h.Snippet, 100),
		})
	}
	_ = table.Render()
	return nil
}

func harExportRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	m := getManager()
	sess, err := m.RequireSession(ctx, harSession)
	if err != nil {
		return err
	}
	archive, err := m.OpenArchive(ctx, sess)
	if err != nil {
		return err
	}

	entries := har.FilterEntries(sess.Entries, harFilter)
	data, err := har.Export(archive, entries, har.ExportOptions{
		Redact:      harSanitize,
		StripBodies: harStripBodies,
		Indent:      true,
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if harOutput == "" {
		_, err = ui.Out.Write(data)
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would write %d entries to %s", len(entries), harOutput)
		return nil
	}
	if err := os.WriteFile(harOutput, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", harOutput, err)
	}
	ui.Success("Wrote %d entries to %s", len(entries), harOutput)
	return nil
}

func harSessionsRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	m := getManager()

	if harClean {
		return harCleanRun(ctx, m)
	}

	infos, err := m.ListSessions(ctx)
	if err != nil {
		return err
	}
	if harJSON {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		ui.Info("No sessions. Use `devkit har load <file>` first.")
		return nil
	}

	table := ui.Table([]string{"", "Hash", "Entries", "Errors", "Loaded", "File"})
	for _, s := range infos {
		marker := ""
		if s.Current {
			marker = output.Green("*")
		}
		loaded := output.Ago(s.CreatedAt)
		if s.Expired {
			loaded = output.Yellow(loaded + " (expired)")
		}
		_ = table.Append([]string{
			marker,
			s.ShortHash,
			fmt.Sprintf("%d", s.Entries),
			fmt.Sprintf("%d", s.Errors),
			loaded,
			s.SourceFile,
		})
	}
	_ = table.Render()
	return nil
}

func harCleanRun(ctx context.Context, m *har.Manager) error {
	if dryRun {
		infos, err := m.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range infos {
			if harCleanAll || s.Expired {
				ui.DryRunMsg("Would delete session %s (%s)", s.ShortHash, s.SourceFile)
			}
		}
		return nil
	}

	var n int
	var err error
	if harCleanAll {
		n, err = m.CleanAllSessions(ctx)
	} else {
		n, err = m.CleanExpiredSessions(ctx)
	}
	if err != nil {
		return err
	}
	ui.Success("Deleted %d session(s)", n)
	return nil
}

func harUseRun(ctx context.Context, hash string) error {
	ctx = cmdContext(ctx)
	sess, err := getManager().Use(ctx, hash)
	if err != nil {
		return err
	}
	ui.Success("Current session: %s (%s, %d entries)", output.Cyan(sess.ShortHash()), sess.SourceFile, len(sess.Entries))
	return nil
}

func harStatsRun(ctx context.Context) error {
	ctx = cmdContext(ctx)
	sess, err := getManager().RequireSession(ctx, harSession)
	if err != nil {
		return err
	}
	st := sess.Stats
	if harJSON {
		return printJSON(st)
	}

	fmt.Fprintf(ui.Out, "Session:    %s\n", output.Cyan(sess.ShortHash()))
	fmt.Fprintf(ui.Out, "File:       %s\n", sess.SourceFile)
	fmt.Fprintf(ui.Out, "Entries:    %d (%d errors, %d redirects, %d skipped)\n",
		st.TotalEntries, st.ErrorCount, st.RedirectCount, st.SkippedEntries)
	fmt.Fprintf(ui.Out, "Transfer:   %s\n", output.Bytes(st.TotalResponseBytes))
	fmt.Fprintf(ui.Out, "Total time: %.0fms\n", st.TotalTimeMs)
	if st.FirstStarted != "" {
		fmt.Fprintf(ui.Out, "Span:       %s .. %s\n", st.FirstStarted, st.LastStarted)
	}

	printCounts("Status", st.StatusClasses, 0)
	printCounts("Hosts", st.Hosts, 10)
	printCounts("Types", st.MimeTypes, 10)
	return nil
}

// printCounts prints a count map sorted by count, then key. top <= 0 prints
// every key.
func printCounts(title string, counts map[string]int, top int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if top > 0 && len(keys) > top {
		keys = keys[:top]
	}

	fmt.Fprintf(ui.Out, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(ui.Out, "  %-40s %d\n", k, counts[k])
	}
}
