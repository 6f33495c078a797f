package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/convo"
	"github.com/joescharf/devkit/internal/har"
	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/refstore"
)

// Server exposes HAR sessions and the conversation cache as MCP tools.
type Server struct {
	sessions  *har.Manager
	refs      refstore.Backend
	indexer   *convo.Indexer
	log       zerolog.Logger
	version   string
	threshold int
}

// NewServer creates the MCP server wrapper. refs may be nil, in which case
// large values are returned in full.
func NewServer(sessions *har.Manager, refs refstore.Backend, ix *convo.Indexer, log zerolog.Logger) *Server {
	return &Server{
		sessions:  sessions,
		refs:      refs,
		indexer:   ix,
		log:       log,
		version:   "dev",
		threshold: refstore.DefaultThreshold,
	}
}

// WithVersion sets the version reported to clients.
func (s *Server) WithVersion(v string) *Server {
	s.version = v
	return s
}

// WithThreshold sets the reference threshold used by har_show.
func (s *Server) WithThreshold(n int) *Server {
	if n > 0 {
		s.threshold = n
	}
	return s
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("devkit", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.harSessionsTool())
	srv.AddTool(s.harListTool())
	srv.AddTool(s.harShowTool())
	srv.AddTool(s.harExpandTool())
	srv.AddTool(s.convoListTool())
	srv.AddTool(s.convoSearchTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) formatter(hash string) *refstore.Formatter {
	f := refstore.NewFormatter(s.refs, hash, s.log)
	f.Threshold = s.threshold
	return f
}

// ---------------------------------------------------------------------------
// HAR tools
// ---------------------------------------------------------------------------

// har_sessions
func (s *Server) harSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("har_sessions",
		mcp.WithDescription("List loaded HAR sessions, newest first. Returns a JSON array with hash, shortHash, sourceFile, entries, errors, createdAt and current."),
	)
	return tool, s.handleHarSessions
}

func (s *Server) handleHarSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if infos == nil {
		infos = []har.SessionInfo{}
	}
	return jsonResult(infos)
}

// har_list
func (s *Server) harListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("har_list",
		mcp.WithDescription("List entries of a HAR session, optionally filtered. All filters are combined with AND. Returns JSON with the session hash, total and matched counts, and the matching entries."),
		mcp.WithString("session", mcp.Description("Session hash or unique prefix (default: last loaded)")),
		mcp.WithString("domain", mcp.Description("Host glob, e.g. *.example.com")),
		mcp.WithString("url", mcp.Description("URL glob")),
		mcp.WithString("status", mcp.Description("Status: 200, 4xx, !3xx, !404")),
		mcp.WithString("method", mcp.Description("Comma-separated methods, e.g. GET,POST")),
		mcp.WithString("type", mcp.Description("MIME type glob, e.g. application/*")),
		mcp.WithNumber("min_time", mcp.Description("Minimum total time in ms")),
		mcp.WithNumber("min_size", mcp.Description("Minimum response size in bytes")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries")),
	)
	return tool, s.handleHarList
}

func (s *Server) handleHarList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.RequireSession(ctx, request.GetString("session", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	filter := har.EntryFilter{
		Domain:  request.GetString("domain", ""),
		URL:     request.GetString("url", ""),
		Status:  request.GetString("status", ""),
		Method:  request.GetString("method", ""),
		Type:    request.GetString("type", ""),
		MinTime: request.GetFloat("min_time", 0),
		MinSize: int64(request.GetFloat("min_size", 0)),
		Limit:   request.GetInt("limit", 0),
	}
	entries := har.FilterEntries(sess.Entries, filter)
	if entries == nil {
		entries = []models.IndexedEntry{}
	}

	return jsonResult(map[string]any{
		"session": sess.SourceHash,
		"total":   len(sess.Entries),
		"matched": len(entries),
		"entries": entries,
	})
}

// har_show
func (s *Server) harShowTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("har_show",
		mcp.WithDescription("Show one HAR entry. Large headers and bodies are stored as references: the first view prints them in full, later views print a preview with a ref id to pass to har_expand."),
		mcp.WithString("entry", mcp.Required(), mcp.Description("Entry reference, e.g. e14 or 14")),
		mcp.WithString("session", mcp.Description("Session hash or unique prefix (default: last loaded)")),
		mcp.WithString("section", mcp.Description("summary, request, response, headers, body, timings or all (default)")),
		mcp.WithBoolean("full", mcp.Description("Print large values in full, bypassing references")),
		mcp.WithBoolean("raw", mcp.Description("Do not pretty-print JSON bodies")),
	)
	return tool, s.handleHarShow
}

func (s *Server) handleHarShow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("entry")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: entry"), nil
	}
	sess, err := s.sessions.RequireSession(ctx, request.GetString("session", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ie, err := har.LookupEntry(sess, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	archive, err := s.sessions.OpenArchive(ctx, sess)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var buf bytes.Buffer
	opts := har.ShowOptions{
		Raw:     request.GetBool("raw", false),
		Full:    request.GetBool("full", false),
		Section: request.GetString("section", ""),
	}
	if err := har.RenderEntry(ctx, &buf, ie, archive.Entries[ie.Index], s.formatter(sess.SourceHash), opts); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

// har_expand
func (s *Server) harExpandTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("har_expand",
		mcp.WithDescription("Return the full stored value of a reference printed by har_show."),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Reference id, e.g. e14.rs.body or [ref:e14.rs.body]")),
		mcp.WithString("session", mcp.Description("Session hash or unique prefix (default: last loaded)")),
	)
	return tool, s.handleHarExpand
}

func (s *Server) handleHarExpand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refID, err := request.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: ref"), nil
	}
	sess, err := s.sessions.RequireSession(ctx, request.GetString("session", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, ok := s.formatter(sess.SourceHash).Expand(ctx, refID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("reference %s not found in session %s", refstore.NormalizeRefID(refID), sess.ShortHash())), nil
	}
	return mcp.NewToolResultText(value), nil
}

// ---------------------------------------------------------------------------
// Conversation tools
// ---------------------------------------------------------------------------

// convo_list
func (s *Server) convoListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("convo_list",
		mcp.WithDescription("List recent Claude conversations, newest first. Refreshes the metadata cache incrementally before answering."),
		mcp.WithString("project", mcp.Description("Project directory name or filesystem path (default: all projects)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 30)")),
		mcp.WithBoolean("subagents", mcp.Description("Include subagent logs")),
	)
	return tool, s.handleConvoList
}

func (s *Server) handleConvoList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listing, err := s.indexer.Listing(ctx, convoOptions(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conversations: %v", err)), nil
	}
	return jsonResult(listing)
}

// convo_search
func (s *Server) convoSearchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("convo_search",
		mcp.WithDescription("Search Claude conversations by title, summary, first prompt and user text (case-insensitive substring)."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for")),
		mcp.WithString("project", mcp.Description("Project directory name or filesystem path (default: all projects)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 30)")),
		mcp.WithBoolean("subagents", mcp.Description("Include subagent logs")),
	)
	return tool, s.handleConvoSearch
}

func (s *Server) handleConvoSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	listing, err := s.indexer.Search(ctx, query, convoOptions(request))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(listing)
}

func convoOptions(request mcp.CallToolRequest) convo.ListingOptions {
	return convo.ListingOptions{
		Project:          request.GetString("project", ""),
		Limit:            request.GetInt("limit", 30),
		IncludeSubagents: request.GetBool("subagents", false),
	}
}
