package extension

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// RegisterBuiltins adds the core extensions. searchRoot is the base
// directory for file searches; empty means the current working directory.
func RegisterBuiltins(r *Registry, searchRoot string) {
	r.Register(NewFileSearch(searchRoot))
	r.Register(NewWebSearch(nil))
	r.Register(&SystemInfo{})
	r.Register(&AppLauncher{})
}

// FileSearch finds files by name or content under a base directory.
type FileSearch struct {
	root string
}

// NewFileSearch creates the file_search extension.
func NewFileSearch(root string) *FileSearch {
	if root == "" {
		root = "."
	}
	return &FileSearch{root: root}
}

func (f *FileSearch) Name() string { return "file_search" }

func (f *FileSearch) Description() string {
	return "Search files by name or content and return matched paths and snippets."
}

func (f *FileSearch) Parameters() map[string]string {
	return map[string]string{
		"query":       "string to search for (required)",
		"path":        "base path to search (optional)",
		"max_results": "result limit (optional, default 20)",
	}
}

func (f *FileSearch) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query parameter is required")
	}

	base := f.root
	if p, ok := params["path"].(string); ok && p != "" {
		base = p
	}
	maxResults := intParam(params, "max_results", 20)

	queryLower := strings.ToLower(query)
	var results []map[string]any

	// Filenames first, then contents.
	walk := func(matchContent bool) error {
		return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(results) >= maxResults {
				return filepath.SkipAll
			}
			if d.IsDir() {
				return nil
			}

			if !matchContent {
				if strings.Contains(strings.ToLower(d.Name()), queryLower) {
					results = append(results, map[string]any{
						"path": path, "match_type": "filename", "snippet": d.Name(),
					})
				}
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			text := string(data)
			idx := strings.Index(strings.ToLower(text), queryLower)
			if idx < 0 {
				return nil
			}
			start := max(0, idx-80)
			end := min(len(text), idx+len(query)+80)
			snippet := strings.ReplaceAll(text[start:end], "\n", " ")
			results = append(results, map[string]any{
				"path": path, "match_type": "content", "snippet": snippet,
			})
			return nil
		})
	}

	if err := walk(false); err != nil {
		return nil, err
	}
	if len(results) < maxResults {
		if err := walk(true); err != nil {
			return nil, err
		}
	}

	return map[string]any{"query": query, "base": base, "results": results}, nil
}

var anchorRe = regexp.MustCompile(`(?is)<a[^>]+href="(https?://[^" ]+)"[^>]*>(.*?)</a>`)
var tagRe = regexp.MustCompile(`<.*?>`)

// WebSearch queries the DuckDuckGo HTML endpoint. No API key required.
type WebSearch struct {
	endpoint string
	client   *http.Client
}

// NewWebSearch creates the web_search extension. client may be nil.
func NewWebSearch(client *http.Client) *WebSearch {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebSearch{endpoint: "https://html.duckduckgo.com/html/", client: client}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Perform a web search and return result titles and URLs."
}

func (w *WebSearch) Parameters() map[string]string {
	return map[string]string{
		"query": "search query (required)",
		"limit": "result limit (optional, default 10)",
	}
}

func (w *WebSearch) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query parameter is required")
	}
	limit := intParam(params, "limit", 10)

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var results []map[string]any
	for _, m := range anchorRe.FindAllStringSubmatch(string(body), -1) {
		if len(results) >= limit {
			break
		}
		title := strings.TrimSpace(tagRe.ReplaceAllString(m[2], ""))
		results = append(results, map[string]any{"title": title, "url": m[1]})
	}

	return map[string]any{"query": query, "engine": "duckduckgo_html", "results": results}, nil
}

// SystemInfo reports basic host facts.
type SystemInfo struct{}

func (s *SystemInfo) Name() string { return "system_info" }

func (s *SystemInfo) Description() string {
	return "Report host platform, CPU count and process information."
}

func (s *SystemInfo) Parameters() map[string]string { return nil }

func (s *SystemInfo) Execute(context.Context, map[string]any) (map[string]any, error) {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	return map[string]any{
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"cpus":        runtime.NumCPU(),
		"hostname":    hostname,
		"working_dir": wd,
		"go_version":  runtime.Version(),
		"pid":         os.Getpid(),
	}, nil
}

// AppLauncher opens an application or file with the platform opener.
type AppLauncher struct{}

func (a *AppLauncher) Name() string { return "app_launcher" }

func (a *AppLauncher) Description() string {
	return "Launch an application or open a file with the system default handler."
}

func (a *AppLauncher) Parameters() map[string]string {
	return map[string]string{
		"target": "application name or file path to open (required)",
	}
}

func (a *AppLauncher) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	target, _ := params["target"].(string)
	if target == "" {
		return nil, fmt.Errorf("target parameter is required")
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", target)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", "", target)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", target)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", target, err)
	}
	go cmd.Wait()

	return map[string]any{"target": target, "pid": cmd.Process.Pid}, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
