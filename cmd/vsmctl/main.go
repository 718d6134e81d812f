// vsmctl is the command-line client for vsmd.
//
// Usage:
//
//	vsmctl health
//	vsmctl capabilities
//	vsmctl servers
//	vsmctl stop <server-id> [--immediate]
//	vsmctl logs <server-id> [--follow]
//	vsmctl trigger <capability> [<capability>...]
//	vsmctl exec <capability> <json-task>
//	vsmctl daemon
//	vsmctl refresh
//	vsmctl candidates <capability>
//	vsmctl version
//
// The daemon address is read from VSMD_ADDR (default
// http://localhost:4000).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/version"
	"github.com/viable-systems/vsm-mcp/internal/vsmclient"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addr := os.Getenv("VSMD_ADDR")
	if addr == "" {
		addr = "http://localhost:4000"
	}
	client := vsmclient.New(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "health":
		err = cmdHealth(ctx, client)
	case "capabilities":
		err = cmdCapabilities(ctx, client)
	case "servers":
		err = cmdServers(ctx, client)
	case "stop":
		err = cmdStop(ctx, client, os.Args[2:])
	case "logs":
		err = cmdLogs(ctx, client, os.Args[2:])
	case "trigger":
		err = cmdTrigger(ctx, client, os.Args[2:])
	case "exec":
		err = cmdExec(ctx, client, os.Args[2:])
	case "daemon":
		err = cmdDaemon(ctx, client)
	case "refresh":
		err = cmdRefresh(ctx, client)
	case "candidates":
		err = cmdCandidates(ctx, client, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version.Version())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "vsmctl: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vsmctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vsmctl <command> [args]

commands:
  health                          check daemon liveness and capabilities
  capabilities                    list resolvable capabilities
  servers                         list running tool-server subprocesses
  stop <id> [--immediate]         stop a tool-server
  logs <id> [--follow]            print or stream a server's stderr log
  trigger <capability>...         force an immediate acquisition pass
  exec <capability> <json-task>   invoke a capability with a task body
  daemon                          show the Variety Monitor's state
  refresh                         force a capability registry refresh
  candidates <capability>         search discovery without installing
  version                         print the client version`)
}

func cmdHealth(ctx context.Context, c *vsmclient.Client) error {
	out, err := c.Health(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdCapabilities(ctx context.Context, c *vsmclient.Client) error {
	out, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdServers(ctx context.Context, c *vsmclient.Client) error {
	out, err := c.Servers(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdStop(ctx context.Context, c *vsmclient.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vsmctl stop <server-id> [--immediate]")
	}
	mode := ""
	if len(args) > 1 && args[1] == "--immediate" {
		mode = "immediate"
	}
	if err := c.StopServer(ctx, args[0], mode); err != nil {
		return err
	}
	fmt.Println("stopped")
	return nil
}

func cmdLogs(ctx context.Context, c *vsmclient.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vsmctl logs <server-id> [--follow]")
	}
	follow := len(args) > 1 && args[1] == "--follow"

	body, err := c.Logs(ctx, args[0], follow)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return scanner.Err()
}

func cmdTrigger(ctx context.Context, c *vsmclient.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: vsmctl trigger <capability> [<capability>...]")
	}
	out, err := c.Trigger(ctx, args)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdExec(ctx context.Context, c *vsmclient.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: vsmctl exec <capability> <json-task>")
	}
	var task any
	if err := json.Unmarshal([]byte(args[1]), &task); err != nil {
		return fmt.Errorf("parse task JSON: %w", err)
	}
	out, err := c.Execute(ctx, args[0], task)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdDaemon(ctx context.Context, c *vsmclient.Client) error {
	out, err := c.DaemonStatus(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdRefresh(ctx context.Context, c *vsmclient.Client) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	fmt.Println("refreshed")
	return nil
}

func cmdCandidates(ctx context.Context, c *vsmclient.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vsmctl candidates <capability>")
	}
	out, err := c.Candidates(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
