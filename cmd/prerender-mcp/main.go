package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/prerender/models"
)

func main() {
	apiURL := os.Getenv("PRERENDER_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PRERENDER_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "PRERENDER_API_KEY is required")
		os.Exit(1)
	}

	client := newClient(apiURL, apiKey)

	s := server.NewMCPServer(
		"prerender",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	renderURLTool := mcp.NewTool("render_url",
		mcp.WithDescription("Render a web page in headless Chrome and return its HTTP status, redirect target, title and content. JavaScript runs before the snapshot is taken."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to render"),
		),
		mcp.WithString("format",
			mcp.Description("Content format: 'markdown' (default) or 'html' (static HTML with scripts removed)"),
			mcp.Enum("markdown", "html"),
		),
		mcp.WithString("content",
			mcp.Description("Content scope: 'page' (default, whole page) or 'article' (main content extracted by readability, falling back to the page)"),
			mcp.Enum("page", "article"),
		),
		mcp.WithBoolean("follow_redirect",
			mcp.Description("Follow HTTP and JavaScript redirects instead of reporting the first one"),
		),
		mcp.WithString("user_agent",
			mcp.Description("User agent sent by the browser"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Render budget in milliseconds (1000-120000)"),
		),
	)
	s.AddTool(renderURLTool, handleRenderURL(client))

	pageMetaTool := mcp.NewTool("page_meta",
		mcp.WithDescription("Render a web page and return only its meta tags, Open Graph data and outgoing links."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to render"),
		),
		mcp.WithBoolean("follow_redirect",
			mcp.Description("Follow HTTP and JavaScript redirects instead of reporting the first one"),
		),
	)
	s.AddTool(pageMetaTool, handlePageMeta(client))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiURL, apiKey string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(150*time.Second).
		SetHeader("X-API-Key", apiKey)
}

// render posts req to the render endpoint. API failures come back as an
// error carrying the server's code and message.
func render(ctx context.Context, client *resty.Client, req models.RenderRequest) (*models.RenderResponse, error) {
	var out models.RenderResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/api/v1/render")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	if !out.Success {
		if out.Error != nil {
			return nil, fmt.Errorf("[%s] %s", out.Error.Code, out.Error.Message)
		}
		return nil, fmt.Errorf("render failed with HTTP %d", resp.StatusCode())
	}
	if out.Result == nil {
		return nil, fmt.Errorf("render returned no result")
	}
	return &out, nil
}

func requestFrom(request mcp.CallToolRequest) (models.RenderRequest, error) {
	u, err := request.RequireString("url")
	if err != nil {
		return models.RenderRequest{}, fmt.Errorf("url is required")
	}
	req := models.RenderRequest{
		URL:       u,
		UserAgent: request.GetString("user_agent", ""),
		TimeoutMs: request.GetInt("timeout_ms", 0),
	}
	if args := request.GetArguments(); args != nil {
		if _, ok := args["follow_redirect"]; ok {
			follow := request.GetBool("follow_redirect", false)
			req.FollowRedirect = &follow
		}
	}
	return req, nil
}

func handleRenderURL(client *resty.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := requestFrom(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		format := request.GetString("format", "markdown")
		req.IncludeMarkdown = format == "markdown"
		req.Content = request.GetString("content", "")

		resp, err := render(ctx, client, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatPage(req.URL, resp, format)), nil
	}
}

func handlePageMeta(client *resty.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := requestFrom(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := render(ctx, client, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatMeta(req.URL, resp.Result)), nil
	}
}

// formatPage renders a status header followed by the page content.
func formatPage(source string, resp *models.RenderResponse, format string) string {
	var sb strings.Builder
	writeHeader(&sb, source, resp.Result)
	if a := resp.Article; a != nil && a.Byline != "" {
		fmt.Fprintf(&sb, "Author: %s\n", a.Byline)
	}

	switch {
	case resp.Result.HTML == "" && resp.Result.Redirect != "":
		sb.WriteString("\nThe page redirected and was not rendered. Set follow_redirect to render the target.")
	case format == "html":
		sb.WriteString("\n")
		sb.WriteString(resp.Result.StaticHTML)
	default:
		sb.WriteString("\n")
		sb.WriteString(resp.Markdown)
	}
	return sb.String()
}

func formatMeta(source string, res *models.RenderResult) string {
	var sb strings.Builder
	writeHeader(&sb, source, res)

	if len(res.Meta) > 0 {
		sb.WriteString("\nMeta:\n")
		for _, k := range sortedKeys(res.Meta) {
			fmt.Fprintf(&sb, "  %s: %v\n", k, res.Meta[k])
		}
	}
	if len(res.OpenGraph) > 0 {
		sb.WriteString("\nOpen Graph:\n")
		for _, k := range sortedKeys(res.OpenGraph) {
			fmt.Fprintf(&sb, "  %s: %v\n", k, res.OpenGraph[k])
		}
	}
	if len(res.Links) > 0 {
		fmt.Fprintf(&sb, "\nLinks (%d):\n", len(res.Links))
		for _, l := range res.Links {
			fmt.Fprintf(&sb, "  %s\n", l)
		}
	}
	return sb.String()
}

func writeHeader(sb *strings.Builder, source string, res *models.RenderResult) {
	fmt.Fprintf(sb, "Source: %s\n", source)
	if res.Status != 0 {
		fmt.Fprintf(sb, "Status: %d\n", res.Status)
	}
	if res.Redirect != "" {
		fmt.Fprintf(sb, "Redirect: %s\n", res.Redirect)
	}
	if title, ok := res.Meta["title"].(string); ok && title != "" {
		fmt.Fprintf(sb, "Title: %s\n", title)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
