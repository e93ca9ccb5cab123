package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/loom/internal/knowledge"
	"github.com/normanking/loom/internal/mcpserver"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODES COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func modesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes [name]",
		Short: "List agent modes, or show one mode's instructions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 1 {
				m, err := a.catalog.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Println(titleStyle.Render(m.Name))
				fmt.Println(field("description", m.Description))
				fmt.Println(field("preferred role", string(m.PreferredRole)))
				fmt.Println(field("domain tags", strings.Join(m.DomainTags, ", ")))
				fmt.Println(field("keywords", strings.Join(m.Keywords, ", ")))
				fmt.Println()
				fmt.Println(m.SystemPrompt)
				return nil
			}

			fmt.Println(titleStyle.Render("Agent modes"))
			for _, m := range a.catalog.All() {
				role := string(m.PreferredRole)
				if role == "" {
					role = "-"
				}
				fmt.Printf("  %-10s %-10s %s\n", m.Name, role, labelStyle.Render(m.Description))
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// KNOWLEDGE COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "knowledge",
		Aliases: []string{"k"},
		Short:   "Manage the local documentation index",
	}

	var (
		tags  []string
		split bool
	)
	addCmd := &cobra.Command{
		Use:   "add [collection] [file]",
		Short: "Index a file as passages in a collection",
		Example: `  loom knowledge add faust-libraries filters.md --tags faust,dsp --split
  cat notes.txt | loom knowledge add juce-docs - --tags juce`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, path := args[0], args[1]

			var (
				data []byte
				err  error
			)
			if path == "-" {
				data, err = readAllStdin()
			} else {
				data, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			chunks := []string{string(data)}
			if split {
				chunks = splitParagraphs(string(data))
			}

			idx, err := knowledge.OpenSQLiteIndex(cfg.Knowledge.DBPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			meta := map[string]string{}
			if path != "-" {
				meta["source"] = filepath.Base(path)
			}

			added := 0
			for _, chunk := range chunks {
				if strings.TrimSpace(chunk) == "" {
					continue
				}
				if _, err := idx.Add(cmd.Context(), collection, chunk, tags, meta); err != nil {
					return fmt.Errorf("failed to add: %w", err)
				}
				added++
			}

			fmt.Printf("✅ Added %d passage(s) to %s\n", added, collection)
			if !cfg.Knowledge.Enabled {
				fmt.Println(warnStyle.Render("knowledge.enabled is false; passages are not used until it is turned on"))
			}
			return nil
		},
	}
	addCmd.Flags().StringSliceVar(&tags, "tags", nil, "domain tags for the passages")
	addCmd.Flags().BoolVar(&split, "split", false, "index each blank-line separated paragraph separately")
	cmd.AddCommand(addCmd)

	var (
		searchTags []string
		topK       int
	)
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the index the way prompt assembly does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := knowledge.OpenSQLiteIndex(cfg.Knowledge.DBPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			query := strings.Join(args, " ")
			passages, err := idx.Query(cmd.Context(), query, searchTags, topK)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			if len(passages) == 0 {
				fmt.Printf("No results found for: %s\n", query)
				return nil
			}

			for i, p := range passages {
				fmt.Printf("%d. [%s %.2f] %s\n", i+1, p.SourceCollection, p.Score, truncate(p.Text, 80))
			}
			return nil
		},
	}
	searchCmd.Flags().StringSliceVar(&searchTags, "tags", nil, "restrict to these domain tags")
	searchCmd.Flags().IntVar(&topK, "top", 5, "maximum results")
	cmd.AddCommand(searchCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Show the number of indexed passages",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := knowledge.OpenSQLiteIndex(cfg.Knowledge.DBPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			n, err := idx.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d passages in %s\n", n, cfg.Knowledge.DBPath)
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MCP COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func mcpCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve Loom to editor agents over MCP (stdio)",
		Long: `Run an MCP server on stdin/stdout exposing loom_submit, loom_confirm,
loom_roles and loom_project_meta. Logs go to stderr and the log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initializeApp(cmd.Context(), metricsAddr)
			if err != nil {
				return err
			}
			defer cleanup()

			s := mcpserver.New(version, mcpserver.Deps{
				Orchestrator: a.orch,
				Roles:        a.registry,
				Projects:     a.projects,
			})
			return mcpserver.Serve(s)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

// splitParagraphs splits text on blank lines.
func splitParagraphs(text string) []string {
	var (
		out []string
		cur []string
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
