package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func revalidateCmd() *cobra.Command {
	var (
		paths  []string
		tags   []string
		all    bool
		admin  bool
		async  bool
		server string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "revalidate",
		Short: "Ask a running server to revalidate paths or tags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := revalidatePayload(paths, tags, all)
			if err != nil {
				return err
			}
			class := "manual"
			if admin {
				class = "admin"
			}
			q := url.Values{"type": {class}}
			if async {
				q.Set("async", "true")
			}
			return postRevalidate(cmd.OutOrStdout(), strings.TrimRight(server, "/")+"/api/revalidate?"+q.Encode(), token, body)
		},
	}
	cmd.Flags().StringSliceVar(&paths, "path", nil, "path to revalidate (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to revalidate (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "revalidate every known path and tag")
	cmd.Flags().BoolVar(&admin, "admin", false, "use the admin rate-limit class")
	cmd.Flags().BoolVar(&async, "async", false, "queue the request and return immediately")
	cmd.Flags().StringVar(&server, "server", getenvDefault("REVALIDATOR_SERVER", "http://127.0.0.1:8080"), "server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("REVALIDATE_SECRET"), "bearer token")
	return cmd
}

// revalidatePayload picks the narrowest target type that covers the flags.
func revalidatePayload(paths, tags []string, all bool) (map[string]any, error) {
	switch {
	case all:
		return map[string]any{"targetType": "all", "source": "cli"}, nil
	case len(paths) > 0 && len(tags) > 0:
		return map[string]any{"targetType": "selective", "targets": append(append([]string{}, paths...), tags...), "source": "cli"}, nil
	case len(paths) > 0:
		return map[string]any{"targetType": "path", "targets": paths, "source": "cli"}, nil
	case len(tags) > 0:
		return map[string]any{"targetType": "tag", "targets": tags, "source": "cli"}, nil
	}
	return nil, fmt.Errorf("one of --path, --tag or --all is required")
}

func postRevalidate(out io.Writer, endpoint, token string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 2 * time.Minute}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = append(pretty.Bytes(), '\n')
	}
	_, _ = out.Write(raw)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}
