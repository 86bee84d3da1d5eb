package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mickamy/grpc-mediator/tui"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("grpc-mediator", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "grpc-mediator - watch and inspect mediated gRPC calls\n\nUsage:\n  grpc-mediator [flags] <addr>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("grpc-mediator %s\n", version)
		return
	}

	addr := "localhost:9090"
	if fs.NArg() > 0 {
		addr = fs.Arg(0)
	}

	m := tui.New(addr)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
