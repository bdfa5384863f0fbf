// Command agent is the Host Agent binary: a small TCP peer that answers
// signed status/shutdown/abort commands from a coordinator.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/shuthost/shuthost/internal/agentpeer"
	"github.com/shuthost/shuthost/internal/config"
	"github.com/shuthost/shuthost/internal/logging"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	logging.Setup()

	root := &cobra.Command{
		Use:   "agent",
		Short: "Host Agent: answers signed shutdown/status commands over TCP",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/shuthost/agent.toml", "path to the agent's TOML config file")
	root.AddCommand(runCmd(), installCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	}
}

func runAgent(path string) error {
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	srv := agentpeer.New(cfg.Agent.Port, cfg.Auth.SharedSecret, cfg.Agent.ShutdownCommand)

	if cfg.Broadcast.Enable {
		if err := announceStartup(cfg); err != nil {
			// A failed startup announcement is not fatal: the coordinator's
			// poll cycle will pick the host up on its own schedule.
			fmt.Fprintf(os.Stderr, "startup announcement failed: %v\n", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
		cancel()
		srv.Close()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent server: %w", err)
		}
	}

	return nil
}

// announceStartup resolves the agent's own address and sends one signed
// startup announcement to the configured coordinator.
func announceStartup(cfg *config.AgentConfig) error {
	ip, err := localIP()
	if err != nil {
		return fmt.Errorf("determine local IP: %w", err)
	}
	return agentpeer.Announce(cfg.Broadcast.Hostname, ip, cfg.Agent.Port, cfg.Broadcast.CoordinatorIP, cfg.Broadcast.Port, cfg.Auth.SharedSecret)
}

// localIP returns the outbound-facing local address by dialing (without
// sending data) the configured coordinator's network, the same trick the
// wire-format tooling uses elsewhere in this repo to avoid hardcoding an
// interface name.
func localIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Print the config snippet needed to register this host with a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInstallSnippet(configPath)
		},
	}
}

// printInstallSnippet prints the [hosts.<name>] stanza a coordinator
// operator needs to add to its own config to talk to this agent. Generating
// and installing platform service units is out of scope; this only surfaces
// the configuration values an operator must copy over by hand.
func printInstallSnippet(path string) error {
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	ip, err := localIP()
	if err != nil {
		return fmt.Errorf("determine local IP: %w", err)
	}

	hostname := cfg.Broadcast.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "changeme"
		}
	}

	fmt.Println("Add the following to the coordinator's config file:")
	fmt.Println()
	fmt.Printf("[hosts.%s]\n", hostname)
	fmt.Printf("ip = %q\n", ip)
	fmt.Printf("port = %d\n", cfg.Agent.Port)
	fmt.Printf("shared_secret = %q\n", cfg.Auth.SharedSecret)
	fmt.Println(`mac = "<this host's MAC address, or "disable-wol" to skip Wake-on-LAN>"`)
	return nil
}
