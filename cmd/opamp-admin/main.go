// ABOUTME: CLI tool for administering an opamp-gateway over its HTTP API
// ABOUTME: Manages configurations, environments, groups and agents, and tails fleet events

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opamp-gateway/internal/admin"
	"github.com/2389/opamp-gateway/internal/fleet"
)

const banner = `
  ___  _ __   __ _ _ __ ___  _ __         __ _  __| |_ __ ___ (_)_ __
 / _ \| '_ \ / _' | '_ ' _ \| '_ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
| (_) | |_) | (_| | | | | | | |_) |_____| (_| | (_| | | | | | | | | | |
 \___/| .__/ \__,_|_| |_| |_| .__/       \__,_|\__,_|_| |_| |_|_|_| |_|
      |_|                   |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{
		baseURL: strings.TrimRight(getEnv("OPAMP_ADMIN_URL", "http://localhost:4320"), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, c)
	case "configs", "configurations":
		err = cmdConfigs(ctx, c, args)
	case "envs", "environments":
		err = cmdEnvironments(ctx, c, args)
	case "groups":
		err = cmdGroups(ctx, c, args)
	case "agents":
		err = cmdAgents(ctx, c, args)
	case "events":
		err = cmdEvents(ctx, c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: opamp-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                              Fleet summary")
	fmt.Println("  configs [list] [--name N]           List configuration versions")
	fmt.Println("  configs create --name N --file F    Create a configuration (--activate)")
	fmt.Println("  configs version --name N --file F   Add a version (--activate)")
	fmt.Println("  configs show|activate|archive <id>  Inspect or change one version")
	fmt.Println("  envs [list]                         List environments")
	fmt.Println("  envs create --name N --var K=V      Create an environment")
	fmt.Println("  envs set <id> --var K=V             Replace an environment's variables")
	fmt.Println("  groups [list]                       List groups in evaluation order")
	fmt.Println("  groups create --name N --env ID     Create a group (--config, --selector, --static, --order)")
	fmt.Println("  groups set-config <id> <config-id>  Point a group at a configuration")
	fmt.Println("  agents [list] [--sync S] [--group]  List agents")
	fmt.Println("  agents show|retry|retire <id>       Inspect, retry or retire an agent")
	fmt.Println("  agents register --id ID --label K=V Pre-register an agent")
	fmt.Println("  events [--kind a,b]                 Stream fleet events")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  OPAMP_ADMIN_URL    Gateway HTTP address (default: http://localhost:4320)")
	fmt.Println()
}

// client calls the gateway's admin API.
type client struct {
	baseURL string
	http    *http.Client
}

// apiError is the gateway's JSON error body.
type apiError struct {
	Status  int
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// cmdStatus shows the fleet summary
func cmdStatus(ctx context.Context, c *client) error {
	var st admin.FleetStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Fleet Status")
	cyan.Println("  ------------")
	fmt.Printf("  Agents:         %d (%d connected, %d disconnected)\n", st.Agents.Total, st.Agents.Connected, st.Agents.Disconnected)
	fmt.Printf("  Open channels:  %d\n", st.OpenChannels)
	fmt.Printf("  Active pushes:  %d\n", st.ActivePushes)
	fmt.Printf("  Configurations: %d versions, %d active\n", st.Configurations, st.ActiveConfigs)
	fmt.Printf("  Environments:   %d\n", st.Environments)
	fmt.Printf("  Groups:         %d\n", st.Groups)

	fmt.Println()
	cyan.Println("  Sync Status")
	fmt.Printf("  synced:         %d\n", st.Agents.Synced)
	fmt.Printf("  pending:        %d\n", st.Agents.Pending)
	fmt.Printf("  out_of_sync:    %d\n", st.Agents.OutOfSync)
	fmt.Printf("  push_failed:    %d\n", st.Agents.PushFailed)
	fmt.Printf("  unmanaged:      %d\n", st.Agents.Unmanaged)
	fmt.Println()
	return nil
}

// cmdConfigs handles configuration subcommands
func cmdConfigs(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdConfigsList(ctx, c, args)
	case "create", "add":
		return cmdConfigsCreate(ctx, c, args)
	case "version":
		return cmdConfigsVersion(ctx, c, args)
	case "show":
		return cmdConfigShow(ctx, c, args)
	case "activate", "archive":
		if len(args) != 1 {
			return fmt.Errorf("usage: opamp-admin configs %s <id>", subcmd)
		}
		var cfg fleet.Configuration
		if err := c.do(ctx, http.MethodPost, "/api/v1/configurations/"+args[0]+"/"+subcmd, nil, &cfg); err != nil {
			return err
		}
		color.Green("  ✓ %s v%d is now %s\n", cfg.Name, cfg.Version, cfg.Status)
		return nil
	default:
		return fmt.Errorf("unknown configs subcommand: %s (use list, create, version, show, activate, archive)", subcmd)
	}
}

func cmdConfigsList(ctx context.Context, c *client, args []string) error {
	var name, status string
	flags := pflag.NewFlagSet("configs list", pflag.ContinueOnError)
	flags.StringVar(&name, "name", "", "only versions of this configuration")
	flags.StringVar(&status, "status", "", "draft, active or archived")
	if err := flags.Parse(args); err != nil {
		return err
	}

	path := "/api/v1/configurations?name=" + url.QueryEscape(name) + "&status=" + url.QueryEscape(status)
	var resp struct {
		Configurations []fleet.Configuration `json:"configurations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Configurations) == 0 {
		fmt.Println("  (no configurations)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tVERSION\tSTATUS\tHASH\tUPDATED")
	for _, cfg := range resp.Configurations {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
			cfg.ID, truncate(cfg.Name, 28), cfg.Version, statusColor(string(cfg.Status)),
			truncate(cfg.ContentHash, 12), cfg.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func cmdConfigsCreate(ctx context.Context, c *client, args []string) error {
	var req admin.CreateConfigRequest
	var file string
	var labels []string
	flags := pflag.NewFlagSet("configs create", pflag.ContinueOnError)
	flags.StringVar(&req.Name, "name", "", "configuration name (required)")
	flags.StringVar(&req.Description, "description", "", "description")
	flags.StringVarP(&file, "file", "f", "", "content file, - for stdin (required)")
	flags.StringSliceVar(&labels, "label", nil, "label K=V (repeatable)")
	flags.BoolVar(&req.Activate, "activate", false, "activate immediately")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if req.Name == "" || file == "" {
		return errors.New("--name and --file are required")
	}

	content, err := readContent(file)
	if err != nil {
		return err
	}
	req.Content = content
	if req.Labels, err = parsePairs(labels); err != nil {
		return err
	}

	var cfg fleet.Configuration
	if err := c.do(ctx, http.MethodPost, "/api/v1/configurations", req, &cfg); err != nil {
		return err
	}
	color.Green("  ✓ Created %s v%d (%s) id=%s\n", cfg.Name, cfg.Version, cfg.Status, cfg.ID)
	return nil
}

func cmdConfigsVersion(ctx context.Context, c *client, args []string) error {
	var name, file string
	var activate bool
	flags := pflag.NewFlagSet("configs version", pflag.ContinueOnError)
	flags.StringVar(&name, "name", "", "configuration name (required)")
	flags.StringVarP(&file, "file", "f", "", "content file, - for stdin (required)")
	flags.BoolVar(&activate, "activate", false, "activate immediately")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if name == "" || file == "" {
		return errors.New("--name and --file are required")
	}
	content, err := readContent(file)
	if err != nil {
		return err
	}

	var cfg fleet.Configuration
	body := map[string]any{"name": name, "content": content, "activate": activate}
	if err := c.do(ctx, http.MethodPost, "/api/v1/configurations/versions", body, &cfg); err != nil {
		return err
	}
	color.Green("  ✓ Created %s v%d (%s) id=%s\n", cfg.Name, cfg.Version, cfg.Status, cfg.ID)
	return nil
}

func cmdConfigShow(ctx context.Context, c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: opamp-admin configs show <id>")
	}
	var cfg fleet.Configuration
	if err := c.do(ctx, http.MethodGet, "/api/v1/configurations/"+args[0], nil, &cfg); err != nil {
		return err
	}
	cyan := color.New(color.FgCyan)
	cyan.Printf("  %s v%d", cfg.Name, cfg.Version)
	fmt.Printf("  [%s]  %s\n", statusColor(string(cfg.Status)), cfg.ContentHash)
	if cfg.Description != "" {
		fmt.Printf("  %s\n", cfg.Description)
	}
	fmt.Println()
	fmt.Print(cfg.Content)
	return nil
}

// cmdEnvironments handles environment subcommands
func cmdEnvironments(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		var resp struct {
			Environments []fleet.Environment `json:"environments"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/v1/environments", nil, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tVARIABLES")
		for _, env := range resp.Environments {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", env.ID, env.Name, formatPairs(env.Variables))
		}
		return w.Flush()

	case "create", "add":
		var name, description string
		var vars []string
		flags := pflag.NewFlagSet("envs create", pflag.ContinueOnError)
		flags.StringVar(&name, "name", "", "environment name (required)")
		flags.StringVar(&description, "description", "", "description")
		flags.StringArrayVar(&vars, "var", nil, "variable K=V (repeatable)")
		if err := flags.Parse(args); err != nil {
			return err
		}
		variables, err := parsePairs(vars)
		if err != nil {
			return err
		}
		var env fleet.Environment
		body := map[string]any{"name": name, "description": description, "variables": variables}
		if err := c.do(ctx, http.MethodPost, "/api/v1/environments", body, &env); err != nil {
			return err
		}
		color.Green("  ✓ Created environment %s id=%s\n", env.Name, env.ID)
		return nil

	case "set":
		if len(args) < 1 {
			return errors.New("usage: opamp-admin envs set <id> --var K=V")
		}
		id := args[0]
		var vars []string
		flags := pflag.NewFlagSet("envs set", pflag.ContinueOnError)
		flags.StringArrayVar(&vars, "var", nil, "variable K=V (repeatable)")
		if err := flags.Parse(args[1:]); err != nil {
			return err
		}
		variables, err := parsePairs(vars)
		if err != nil {
			return err
		}
		var env fleet.Environment
		if err := c.do(ctx, http.MethodPatch, "/api/v1/environments/"+id, map[string]any{"variables": variables}, &env); err != nil {
			return err
		}
		color.Green("  ✓ Updated environment %s\n", env.Name)
		return nil

	default:
		return fmt.Errorf("unknown envs subcommand: %s (use list, create, set)", subcmd)
	}
}

// cmdGroups handles group subcommands
func cmdGroups(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		var resp struct {
			Groups []fleet.Group `json:"groups"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/v1/groups", nil, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ORDER\tID\tNAME\tCONFIG\tMEMBERSHIP")
		for _, g := range resp.Groups {
			membership := formatPairs(g.Rule.Selector)
			if len(g.Rule.StaticAgents) > 0 {
				membership = "static: " + strings.Join(g.Rule.StaticAgents, ",")
			}
			cfgID := g.ConfigID
			if cfgID == "" {
				cfgID = "-"
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n", g.Order, g.ID, g.Name, cfgID, membership)
		}
		return w.Flush()

	case "create", "add":
		var req struct {
			Name          string               `json:"name"`
			Description   string               `json:"description,omitempty"`
			EnvironmentID string               `json:"environment_id"`
			ConfigID      string               `json:"config_id,omitempty"`
			Rule          fleet.MembershipRule `json:"membership_rule"`
			Order         int                  `json:"order"`
		}
		var selector []string
		flags := pflag.NewFlagSet("groups create", pflag.ContinueOnError)
		flags.StringVar(&req.Name, "name", "", "group name (required)")
		flags.StringVar(&req.Description, "description", "", "description")
		flags.StringVar(&req.EnvironmentID, "env", "", "environment ID (required)")
		flags.StringVar(&req.ConfigID, "config", "", "configuration ID")
		flags.StringArrayVar(&selector, "selector", nil, "label selector K=V (repeatable)")
		flags.StringSliceVar(&req.Rule.StaticAgents, "static", nil, "static agent IDs, comma separated")
		flags.IntVar(&req.Order, "order", 0, "evaluation order, lower first")
		if err := flags.Parse(args); err != nil {
			return err
		}
		var err error
		if req.Rule.Selector, err = parsePairs(selector); err != nil {
			return err
		}
		var g fleet.Group
		if err := c.do(ctx, http.MethodPost, "/api/v1/groups", req, &g); err != nil {
			return err
		}
		color.Green("  ✓ Created group %s id=%s\n", g.Name, g.ID)
		return nil

	case "set-config":
		if len(args) != 2 {
			return errors.New("usage: opamp-admin groups set-config <group-id> <config-id>")
		}
		var g fleet.Group
		if err := c.do(ctx, http.MethodPatch, "/api/v1/groups/"+args[0], map[string]any{"config_id": args[1]}, &g); err != nil {
			return err
		}
		color.Green("  ✓ Group %s now targets %s\n", g.Name, g.ConfigID)
		return nil

	default:
		return fmt.Errorf("unknown groups subcommand: %s (use list, create, set-config)", subcmd)
	}
}

// cmdAgents handles agent subcommands
func cmdAgents(ctx context.Context, c *client, args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdAgentsList(ctx, c, args)
	case "show":
		if len(args) != 1 {
			return errors.New("usage: opamp-admin agents show <id>")
		}
		var v admin.AgentView
		if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+args[0], nil, &v); err != nil {
			return err
		}
		return printJSON(v)
	case "retry":
		if len(args) != 1 {
			return errors.New("usage: opamp-admin agents retry <id>")
		}
		var res admin.RetryResult
		if err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+args[0]+"/retry", nil, &res); err != nil {
			return err
		}
		color.Green("  ✓ %s: %s (sync %s)\n", res.Agent.ID, res.Action, res.Agent.SyncStatus)
		return nil
	case "retire", "rm":
		if len(args) != 1 {
			return errors.New("usage: opamp-admin agents retire <id>")
		}
		if err := c.do(ctx, http.MethodDelete, "/api/v1/agents/"+args[0], nil, nil); err != nil {
			return err
		}
		color.Green("  ✓ Retired %s\n", args[0])
		return nil
	case "register":
		var req admin.PreRegisterRequest
		var labels []string
		flags := pflag.NewFlagSet("agents register", pflag.ContinueOnError)
		flags.StringVar(&req.ID, "id", "", "agent ID (required)")
		flags.StringVar(&req.Hostname, "hostname", "", "hostname")
		flags.StringArrayVar(&labels, "label", nil, "label K=V (repeatable)")
		if err := flags.Parse(args); err != nil {
			return err
		}
		var err error
		if req.Labels, err = parsePairs(labels); err != nil {
			return err
		}
		var v admin.AgentView
		if err := c.do(ctx, http.MethodPost, "/api/v1/agents", req, &v); err != nil {
			return err
		}
		color.Green("  ✓ Registered %s\n", v.ID)
		return nil
	default:
		return fmt.Errorf("unknown agents subcommand: %s (use list, show, retry, retire, register)", subcmd)
	}
}

func cmdAgentsList(ctx context.Context, c *client, args []string) error {
	var group, syncStatus, connState string
	flags := pflag.NewFlagSet("agents list", pflag.ContinueOnError)
	flags.StringVar(&group, "group", "", "group ID")
	flags.StringVar(&syncStatus, "sync", "", "sync status")
	flags.StringVar(&connState, "state", "", "connection state")
	if err := flags.Parse(args); err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v1/agents?group_id=%s&sync_status=%s&connection_state=%s",
		url.QueryEscape(group), url.QueryEscape(syncStatus), url.QueryEscape(connState))
	var resp struct {
		Agents []admin.AgentView `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.Agents) == 0 {
		fmt.Println("  (no agents)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tHOST\tPHASE\tSYNC\tREPORTED\tDESIRED\tLAST SEEN")
	for _, a := range resp.Agents {
		seen := "-"
		if !a.LastSeen.IsZero() {
			seen = a.LastSeen.Local().Format("Jan 02 15:04:05")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.ID, 24), truncate(a.Hostname, 20), statusColor(string(a.Phase)), a.SyncStatus,
			truncate(a.ReportedHash, 12), truncate(a.DesiredHash, 12), seen)
	}
	return w.Flush()
}

// cmdEvents streams fleet events until interrupted
func cmdEvents(ctx context.Context, c *client, args []string) error {
	var kinds string
	flags := pflag.NewFlagSet("events", pflag.ContinueOnError)
	flags.StringVar(&kinds, "kind", "", "comma separated event kinds")
	if err := flags.Parse(args); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events?kind="+url.QueryEscape(kinds), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	// No client timeout: the stream is long-lived.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: HTTP %d", resp.StatusCode)
	}

	gray := color.New(color.FgHiBlack)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var evt struct {
			Kind    string    `json:"kind"`
			Time    time.Time `json:"time"`
			AgentID string    `json:"agent_id"`
			Hash    string    `json:"hash"`
			Message string    `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		gray.Printf("%s ", evt.Time.Local().Format("15:04:05"))
		fmt.Printf("%-22s %s %s %s\n", statusColor(evt.Kind), evt.AgentID, truncate(evt.Hash, 12), evt.Message)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// statusColor highlights well-known states.
func statusColor(s string) string {
	switch {
	case strings.Contains(s, "synced") && !strings.Contains(s, "out_of_sync"), s == "active", strings.HasSuffix(s, "connected") && !strings.Contains(s, "dis"):
		return color.GreenString(s)
	case strings.Contains(s, "failed"), strings.Contains(s, "out_of_sync"):
		return color.RedString(s)
	case strings.Contains(s, "disconnected"), s == "archived", strings.Contains(s, "expired"):
		return color.HiBlackString(s)
	default:
		return color.YellowString(s)
	}
}

func readContent(file string) (string, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", file, err)
	}
	return string(data), nil
}

// parsePairs turns K=V arguments into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func formatPairs(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ",")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
