package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/roles"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROLES COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage which model fills each role",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show current role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Println(renderRoles(a.registry.All()))
			fmt.Println(labelStyle.Render("registry: " + a.registry.Path()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [role]",
		Short: "Show the model assigned to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := a.registry.Get(role)
			if err != nil {
				return fmt.Errorf("%w (assign one with 'loom roles set %s <backend> <model>')", err, role)
			}
			fmt.Printf("%s: %s\n", role, d.Label())
			fmt.Println(field("backend", string(d.Backend)))
			fmt.Println(field("model", d.ModelID))
			return nil
		},
	})

	var displayName string
	setCmd := &cobra.Command{
		Use:   "set [role] [backend] [model]",
		Short: "Assign a model to a role after checking the backend serves it",
		Example: `  loom roles set reasoning ollama qwen2.5:32b
  loom roles set fast huggingface meta-llama/Llama-3.2-3B-Instruct --name "Llama 3B"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(args[0])
			if err != nil {
				return err
			}
			kind, err := llm.ParseBackendKind(args[1])
			if err != nil {
				return err
			}

			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			d := roles.ModelDescriptor{Role: role, Backend: kind, ModelID: args[2], DisplayName: displayName}
			if err := a.registry.Set(cmd.Context(), role, d); err != nil {
				return err
			}
			fmt.Printf("✅ %s now uses %s\n", role, d.Label())
			return nil
		},
	}
	setCmd.Flags().StringVar(&displayName, "name", "", "display name for the model")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "unset [role]",
		Short: "Remove a role assignment, restoring the configured default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.registry.Unset(role); err != nil {
				return err
			}
			if d, err := a.registry.Get(role); err == nil {
				fmt.Printf("%s reverted to default %s\n", role, d.Label())
			} else {
				fmt.Printf("%s is now unassigned\n", role)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discover [backend]",
		Short: "List the models a backend serves (default ollama)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := llm.BackendOllama
			if len(args) == 1 {
				var err error
				if kind, err = llm.ParseBackendKind(args[0]); err != nil {
					return err
				}
			}

			a, cleanup, err := initializeApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			models, err := a.registry.ListAvailable(ctx, kind)
			if err != nil {
				return fmt.Errorf("discovery on %s failed: %w", kind, err)
			}
			if len(models) == 0 {
				fmt.Printf("No models found on %s.\n", kind)
				return nil
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Models on %s (%d)", kind, len(models))))
			for _, m := range models {
				fmt.Printf("  %s\n", m.ModelID)
			}
			return nil
		},
	})

	return cmd
}
