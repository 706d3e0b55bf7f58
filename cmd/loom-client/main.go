// loom-client is a terminal client for a loom server. It submits an
// agent request, renders the event stream as it arrives, and can poll
// the replay endpoint for executions that went to the background.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	serverURL = flag.String("server", envOr("LOOM_SERVER", "http://127.0.0.1:8080"), "Loom server base URL")
	token     = flag.String("token", os.Getenv("LOOM_TOKEN"), "API token (or LOOM_TOKEN)")
	projectID = flag.String("project", "", "Project ID (required)")
	sessionID = flag.String("session", "", "Session ID for conversation continuity")
	model     = flag.String("model", "", "Preferred model")
	mode      = flag.String("mode", "", "Intent mode (edit, ask, agent)")
	async     = flag.Bool("async", false, "Request background execution")
	verbose   = flag.Bool("verbose", false, "Show reasoning and tool activity")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage:
  loom-client [flags] "<request>"          Submit a request and stream events
  loom-client [flags] replay <execution>   Poll a checkpointed execution

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *token == "" {
		fatal("a token is required (--token or LOOM_TOKEN)")
	}

	if args[0] == "replay" {
		if len(args) < 2 {
			fatal("replay requires an execution ID")
		}
		if err := replay(args[1]); err != nil {
			fatal("%v", err)
		}
		return
	}

	if *projectID == "" {
		fatal("--project is required")
	}
	if err := execute(strings.Join(args, " ")); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "loom-client: "+format+"\n", args...)
	os.Exit(1)
}

// execute submits the request and renders the stream until it ends.
func execute(request string) error {
	body, err := json.Marshal(map[string]any{
		"projectId":  *projectID,
		"request":    request,
		"sessionId":  *sessionID,
		"model":      *model,
		"intentMode": *mode,
		"async":      *async,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, *serverURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+*token)
	req.Header.Set("Content-Type", "application/json")

	// The stream outlives any sane client timeout; rely on server
	// heartbeats to detect a dead connection.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if id := resp.Header.Get("X-Execution-Id"); id != "" {
		fmt.Fprintf(os.Stderr, "execution: %s\n", id)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			render(kind, []byte(strings.TrimPrefix(line, "data: ")))
		}
	}
	return scanner.Err()
}

// replay polls the events endpoint until the execution reaches a
// terminal status.
func replay(executionID string) error {
	sinceIndex := -1
	for {
		url := fmt.Sprintf("%s/v1/executions/%s/events?since_index=%d", *serverURL, executionID, sinceIndex)
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+*token)

		resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			defer func() { _ = resp.Body.Close() }()
			return apiError(resp)
		}

		var page struct {
			Status string `json:"status"`
			Events []struct {
				Index int             `json:"index"`
				Event json.RawMessage `json:"event"`
			} `json:"events"`
			LastIndex int `json:"lastIndex"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}

		for _, ev := range page.Events {
			var head struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(ev.Event, &head)
			render(head.Type, ev.Event)
		}
		if page.LastIndex > sinceIndex {
			sinceIndex = page.LastIndex
		}

		switch page.Status {
		case "completed":
			fmt.Fprintln(os.Stderr, "execution completed")
			return nil
		case "failed":
			return fmt.Errorf("execution failed")
		}
		time.Sleep(2 * time.Second)
	}
}

// render prints one event. Content goes to stdout; everything else is
// stderr commentary so piped output stays clean.
func render(kind string, data []byte) {
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	switch kind {
	case "content_chunk":
		fmt.Print(str("chunk"))
	case "thinking":
		fmt.Fprintf(os.Stderr, "… %s\n", str("label"))
	case "reasoning":
		if *verbose {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", str("agent"), str("text"))
		}
	case "tool_call":
		if *verbose {
			fmt.Fprintf(os.Stderr, "→ %s\n", str("name"))
		}
	case "tool_result":
		if *verbose {
			fmt.Fprintf(os.Stderr, "← %s\n", str("name"))
		}
	case "active_model":
		fmt.Fprintf(os.Stderr, "model: %s\n", str("model"))
	case "rate_limited":
		fmt.Fprintf(os.Stderr, "rate limited on %s, trying %s\n", str("originalModel"), str("fallbackModel"))
	case "change_preview":
		changes, _ := fields["changes"].([]any)
		for _, c := range changes {
			m, _ := c.(map[string]any)
			path, _ := m["filePath"].(string)
			status, _ := m["status"].(string)
			fmt.Fprintf(os.Stderr, "change: %s (%s)\n", path, status)
		}
	case "execution_outcome":
		fmt.Fprintf(os.Stderr, "outcome: %s\n", str("outcome"))
	case "checkpointed":
		fmt.Fprintf(os.Stderr, "checkpointed: poll with  loom-client replay %s\n", str("executionId"))
	case "error":
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", str("code"), str("message"))
	case "done":
		fmt.Println()
	}
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		switch e := parsed.Error.(type) {
		case string:
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e)
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
			}
		}
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
