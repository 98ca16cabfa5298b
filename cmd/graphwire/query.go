package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sanonone/graphwire/pkg/result"
	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/traversal/anon"
)

var queryLimit int64

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run read traversals against the endpoint",
}

var queryMoviesCmd = &cobra.Command{
	Use:   "movies",
	Short: "List movie vertices with their properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSource(cmd.Context(), func(g *traversal.Source) error {
			return printMovies(cmd.Context(), g, queryLimit)
		})
	},
}

var queryConnectionsCmd = &cobra.Command{
	Use:   "connections [person-id...]",
	Short: "List the titles each person watched",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]any, len(args))
		for i, arg := range args {
			ids[i] = parseID(arg)
		}
		return withSource(cmd.Context(), func(g *traversal.Source) error {
			return printConnections(cmd.Context(), g, ids, queryLimit)
		})
	},
}

var queryCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count vertices and edges",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSource(ctx, func(g *traversal.Source) error {
			vertices, err := g.V().Count().Next(ctx)
			if err != nil {
				return err
			}
			edges, err := g.E().Count().Next(ctx)
			if err != nil {
				return err
			}
			pterm.Info.Printfln("%v vertices, %v edges", vertices, edges)
			return nil
		})
	},
}

func init() {
	queryCmd.PersistentFlags().Int64VarP(&queryLimit, "limit", "n", 10, "maximum number of results")
	queryCmd.AddCommand(queryMoviesCmd, queryConnectionsCmd, queryCountCmd)
}

func withSource(ctx context.Context, fn func(g *traversal.Source) error) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c.Traversal())
}

// parseID types an argument the way ids are stored: integers as int64,
// UUID-shaped strings as UUIDs, anything else as a string.
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if u, err := uuid.Parse(s); err == nil {
		return u
	}
	return s
}

func printMovies(ctx context.Context, g *traversal.Source, limit int64) error {
	items, err := g.V().HasLabel("movie").ValueMap(true).Limit(limit).ToList(ctx)
	if err != nil {
		return fmt.Errorf("read movies: %w", err)
	}
	movies, err := result.ValueMaps(items, result.Options{})
	if err != nil {
		return err
	}

	data := pterm.TableData{{"ID", "Label", "Title"}}
	for _, m := range movies {
		title, _ := m.First("title")
		data = append(data, []string{fmt.Sprint(m.Reserved.ID), m.Reserved.Label, fmt.Sprint(title)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printConnections(ctx context.Context, g *traversal.Source, ids []any, limit int64) error {
	items, err := g.V(ids...).HasLabel("person").
		Project("personid", "movies").
		By("email").
		By(anon.Out("watched").ValueMap("title").Fold()).
		Limit(limit).
		ToList(ctx)
	if err != nil {
		return fmt.Errorf("read connections: %w", err)
	}
	records, err := result.Project(items, "personid", "movies")
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Person", "Watched"}}
	for _, r := range records {
		person, _ := r.Get("personid")
		movies, err := result.ValueMaps(r.List("movies"), result.Options{})
		if err != nil {
			return err
		}
		titles := make([]string, 0, len(movies))
		for _, m := range movies {
			for _, t := range m.Values("title") {
				titles = append(titles, fmt.Sprint(t))
			}
		}
		data = append(data, []string{fmt.Sprint(person), strings.Join(titles, ", ")})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
