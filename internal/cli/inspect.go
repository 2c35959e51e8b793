package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func classesCmd(factory EnvFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "classes <archive>",
		Short: "List the classes in an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, factory, args[0], func(_ context.Context, env *Env, id string) error {
				classes, err := env.Sessions.Classes(id)
				if err != nil {
					return err
				}
				for _, name := range classes {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func decompileCmd(factory EnvFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "decompile <archive> <class>",
		Short: "Decompile one class with the default decompiler",
		Example: `  jarscope decompile app.jar com.acme.Main
  jarscope decompile -c configs/config.yaml app.jar com.acme.Main`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, factory, args[0], func(ctx context.Context, env *Env, id string) error {
				text, err := env.Sessions.Decompile(ctx, id, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}

func disasmCmd(factory EnvFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <archive> <class>",
		Short: "Print the constant pool, members and bytecode of a class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, factory, args[0], func(_ context.Context, env *Env, id string) error {
				listing, err := env.Sessions.Disassemble(id, args[1])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), listing)
				return nil
			})
		},
	}
}

func usagesCmd(factory EnvFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "usages <archive> <term>",
		Short: "Decompile every class and list those that reference term",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, factory, args[0], func(ctx context.Context, env *Env, id string) error {
				if _, err := env.Sessions.DecompileAll(ctx, id); err != nil {
					return err
				}
				matches, err := env.Sessions.FindUsages(ctx, id, args[1])
				if err != nil {
					return err
				}
				for _, name := range matches {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func recoverCmd(factory EnvFactory) *cobra.Command {
	var findingsOnly bool
	cmd := &cobra.Command{
		Use:   "recover <archive> <class>",
		Short: "Annotate decompiled source with recovered string literals",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, factory, args[0], func(ctx context.Context, env *Env, id string) error {
				res, err := env.Sessions.Recover(ctx, id, args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !findingsOnly {
					fmt.Fprintln(out, res.Text)
					return nil
				}
				for _, f := range res.Findings {
					fmt.Fprintf(out, "%s\t%s\t%s\t%q\n", f.Engine, f.Confidence, f.Variable, f.Plaintext)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&findingsOnly, "findings", false, "print one line per finding instead of the annotated source")
	return cmd
}
