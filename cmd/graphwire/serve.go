package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sanonone/graphwire/internal/server"
)

var (
	serveAddr    string
	serveJournal string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory reference server",
	Long: `serve starts the reference graph server. Traversals are evaluated against an
in-memory graph; with a journal path, mutating traversals are journaled and
replayed on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := cfg.Server
		if cmd.Flags().Changed("addr") {
			sc.Addr = serveAddr
		}
		if cmd.Flags().Changed("journal") {
			sc.JournalPath = serveJournal
		}

		srv, err := server.New(server.Options{
			Addr:        sc.Addr,
			Path:        sc.Path,
			BatchSize:   sc.BatchSize,
			JournalPath: sc.JournalPath,
			Username:    sc.Username,
			Password:    sc.Password,
		})
		if err != nil {
			return err
		}

		shutdownChan := make(chan os.Signal, 1)
		signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

		errChan := make(chan error, 1)
		go func() { errChan <- srv.Run() }()

		vertices, edges := srv.Graph.Counts()
		pterm.Info.Printfln("Serving %d vertices and %d edges on %s%s", vertices, edges, sc.Addr, sc.Path)

		select {
		case err := <-errChan:
			return err
		case <-shutdownChan:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		pterm.Success.Println("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8182", "listen address")
	serveCmd.Flags().StringVar(&serveJournal, "journal", "", "journal file for mutating traversals")
}
