// Command gateway is the chat gateway's entrypoint: it loads
// configuration from the environment, constructs the wired Gateway, and
// runs it in the foreground until SIGINT/SIGTERM triggers graceful
// shutdown, the process model a systemd unit or container expects.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mastra-agents/chatgateway/internal/config"
	"github.com/mastra-agents/chatgateway/internal/gateway"
)

const version = "0.1.0"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version", "-v", "--version":
			cmdVersion()
			return
		case "service":
			cmdService()
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`chat gateway: WhatsApp/Telegram bridge to the agent runtime

Usage:
  gateway              Start the gateway in the foreground
  gateway service <command> [flags]
                       Manage a systemd unit for the gateway
  gateway version      Print version information
  gateway help         Show this help`)
}

func cmdVersion() {
	fmt.Printf("gateway v%s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
