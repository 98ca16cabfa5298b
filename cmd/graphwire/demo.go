package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sanonone/graphwire/internal/server"
	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/traversal/anon"
)

var demoEmbedded bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Create people and movies, then read them back",
	Long: `demo writes a person, a movie and a "watched" edge, creates a second pair in a
single aliased traversal, then lists movies and each person's watched titles.

With --embedded the demo runs against an in-process reference server instead
of the configured endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if demoEmbedded {
			stop, err := startEmbedded()
			if err != nil {
				return err
			}
			defer stop()
		}

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		g := c.Traversal()

		pterm.DefaultSection.Println("Create")
		if err := createSingle(ctx, g); err != nil {
			return err
		}
		if err := createMultiple(ctx, g); err != nil {
			return err
		}

		pterm.DefaultSection.Println("Read")
		if err := printMovies(ctx, g, 10); err != nil {
			return err
		}
		return printConnections(ctx, g, nil, 10)
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoEmbedded, "embedded", false, "run against an in-process reference server")
}

// startEmbedded serves a fresh graph on a loopback port and points cfg at it.
func startEmbedded() (func(), error) {
	srv, err := server.New(server.Options{Path: cfg.Server.Path, BatchSize: cfg.Server.BatchSize})
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	hs := &http.Server{Handler: srv.Handler()}
	go func() { _ = hs.Serve(ln) }()

	cfg.Endpoint = fmt.Sprintf("ws://%s%s", ln.Addr(), cfg.Server.Path)
	cfg.Username, cfg.Password = "", ""
	return func() {
		_ = hs.Close()
		_ = srv.Shutdown(context.Background())
	}, nil
}

func createSingle(ctx context.Context, g *traversal.Source) error {
	person, movie := uuid.New(), uuid.New()

	if err := g.AddV("person").
		Property(traversal.ID, person).
		Property("email", "user@domain.com").
		Property(traversal.Single, "firstname", "firstname").
		Property(traversal.Single, "lastname", "lastname").
		Iterate(ctx); err != nil {
		return fmt.Errorf("create person: %w", err)
	}
	if err := g.AddV("movie").
		Property(traversal.ID, movie).
		Property(traversal.Single, "title", "movietitle").
		Iterate(ctx); err != nil {
		return fmt.Errorf("create movie: %w", err)
	}
	if err := g.AddE("watched").From(anon.V(person)).To(anon.V(movie)).Iterate(ctx); err != nil {
		return fmt.Errorf("create edge: %w", err)
	}
	pterm.Success.Printfln("Person %s watched movie %s", person, movie)
	return nil
}

func createMultiple(ctx context.Context, g *traversal.Source) error {
	person, movie := uuid.New(), uuid.New()
	err := g.AddV("person").
		Property(traversal.ID, person).
		Property("email", "other@domain.com").
		Property(traversal.Single, "firstname", "other").
		As("user").
		AddV("movie").
		Property(traversal.ID, movie).
		Property(traversal.Single, "title", "othertitle").
		As("movie").
		AddE("watched").From("user").To("movie").
		Iterate(ctx)
	if err != nil {
		return fmt.Errorf("create with aliases: %w", err)
	}
	pterm.Success.Printfln("Person %s watched movie %s (one traversal)", person, movie)
	return nil
}
