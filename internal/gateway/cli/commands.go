package cli

// Package cli provides command-line access to a running Conduit gateway.
// Every command except "config" talks to the HTTP API of a live server.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduitmcp/conduit/internal/config"
	"github.com/conduitmcp/conduit/internal/version"
	"github.com/conduitmcp/conduit/pkg/types"
)

// CLI holds the shared state for all commands.
type CLI struct {
	addr    string
	cfgFile string
	format  string
	timeout time.Duration

	client *http.Client
	out    io.Writer
}

// New builds the full command tree.
func New() *cobra.Command {
	return newRoot(&CLI{
		client: &http.Client{},
		out:    os.Stdout,
	})
}

func newRoot(c *CLI) *cobra.Command {
	root := &cobra.Command{
		Use:     "conduit",
		Short:   "Conduit - Connection & Routing Engine for tool servers",
		Long:    `Conduit connects to a fleet of tool servers, discovers their capabilities and routes natural-language queries to the right tool.`,
		Version: version.Version,
	}

	root.PersistentFlags().StringVar(&c.addr, "addr", "http://localhost:8080", "gateway address")
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file path")
	root.PersistentFlags().StringVar(&c.format, "format", "table", "output format (table, json)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	// Server mode is dispatched in main before cobra runs; the command
	// is registered here so it shows up in help output.
	root.AddCommand(&cobra.Command{
		Use:   "server",
		Short: "Run the Conduit gateway in the foreground",
	})

	root.AddCommand(
		c.versionCmd(),
		c.queryCmd(),
		c.toolCmd(),
		c.serversCmd(),
		c.configCmd(),
		c.healthCmd(),
		c.statsCmd(),
	)

	return root
}

// Execute runs the root command.
func Execute() error {
	return New().Execute()
}

func (c *CLI) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printJSON(version.Info())
		},
	}
}

func (c *CLI) queryCmd() *cobra.Command {
	var execute bool

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Route a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			for _, a := range args[1:] {
				text += " " + a
			}

			var resp types.QueryResponse
			if err := c.post("/api/v1/query", types.QueryRequest{Text: text, Execute: execute}, &resp); err != nil {
				return err
			}

			if c.format == "json" {
				return c.printJSON(resp)
			}

			if resp.Plan.Empty() {
				fmt.Fprintln(c.out, "No tool matched the query")
				return nil
			}
			fmt.Fprintf(c.out, "Server:     %s\n", resp.Plan.ServerID)
			fmt.Fprintf(c.out, "Tool:       %s\n", resp.Plan.Tool)
			fmt.Fprintf(c.out, "Confidence: %.2f\n", resp.Plan.Confidence)
			if resp.Plan.Reasoning != "" {
				fmt.Fprintf(c.out, "Reasoning:  %s\n", resp.Plan.Reasoning)
			}
			if resp.Executed && resp.Result != nil {
				fmt.Fprintf(c.out, "\n%s\n", resp.Result.Text())
			}
			if resp.Error != "" {
				fmt.Fprintf(c.out, "Error: %s\n", resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&execute, "execute", false, "execute the selected tool")
	return cmd
}

func (c *CLI) toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Manage tools",
	}
	cmd.AddCommand(c.toolListCmd(), c.toolCallCmd(), c.toolSearchCmd())
	return cmd
}

func (c *CLI) toolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tools from the capability catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var catalog types.Catalog
			if err := c.get("/api/v1/catalog", &catalog); err != nil {
				return err
			}

			if c.format == "json" {
				return c.printJSON(catalog)
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
			for _, server := range catalog.Servers {
				for _, tool := range server.Tools {
					fmt.Fprintf(w, "%s\t%s\t%s\n", server.ServerID, tool.Name, tool.Description)
				}
			}
			return w.Flush()
		},
	}
}

func (c *CLI) toolCallCmd() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call [server] [tool]",
		Short: "Invoke a tool on a specific server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.CallToolRequest{Server: args[0], Tool: args[1]}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
					return fmt.Errorf("invalid --args JSON: %w", err)
				}
			}

			var resp types.CallToolResponse
			if err := c.post("/api/v1/tools/call", req, &resp); err != nil {
				return err
			}

			if c.format == "json" {
				return c.printJSON(resp)
			}
			if !resp.Success {
				return fmt.Errorf("call failed: %s", resp.Error)
			}
			fmt.Fprintln(c.out, resp.Result.Text())
			return nil
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as JSON")
	return cmd
}

func (c *CLI) toolSearchCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the tool index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			path := "/api/v1/search?q=" + args[0]
			if scope != "" {
				path += "&scope=" + scope
			}
			if err := c.get(path, &result); err != nil {
				return err
			}
			return c.printJSON(result)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "search scope (index, servers)")
	return cmd
}

func (c *CLI) serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Show connected servers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Servers map[string]types.ConnectionHealth `json:"servers"`
				Total   int                               `json:"total"`
			}
			if err := c.get("/api/v1/servers", &resp); err != nil {
				return err
			}

			if c.format == "json" {
				return c.printJSON(resp)
			}

			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tCONNECTED\tCALLS\tFAILURES\tRETRIES")
			for id, h := range resp.Servers {
				fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\n", id, h.Connected, h.TotalCalls, h.TotalFailures, h.RetryCount)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reconnect [server]",
		Short: "Force a reconnect for one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := c.post("/api/v1/servers/"+args[0]+"/reconnect", nil, &resp); err != nil {
				return err
			}
			return c.printJSON(resp)
		},
	})

	return cmd
}

func (c *CLI) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			return c.printJSON(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(c.cfgFile); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Configuration is valid")
			return nil
		},
	})

	return cmd
}

func (c *CLI) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := c.get("/api/v1/health", &resp); err != nil {
				return err
			}
			return c.printJSON(resp)
		},
	}
}

func (c *CLI) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show call and discovery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := c.get("/api/v1/stats", &resp); err != nil {
				return err
			}
			return c.printJSON(resp)
		},
	}
}

func (c *CLI) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *CLI) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *CLI) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.client.Timeout = c.timeout
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *CLI) printJSON(data interface{}) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, string(raw))
	return nil
}
