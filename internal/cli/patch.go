package cli

import (
	"context"
	"fmt"

	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/spf13/cobra"
)

// patchFlags 所有 patch 子命令共用
type patchFlags struct {
	out      string
	showDiff bool
}

func (f *patchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the patched archive to this path (required)")
	cmd.Flags().BoolVar(&f.showDiff, "diff", false, "print the disassembly diff of the patched class")
	_ = cmd.MarkFlagRequired("out")
}

// runPatch 执行改写、打印结果，有变化时保存归档
func runPatch(cmd *cobra.Command, factory EnvFactory, flags *patchFlags, archivePath, className string,
	apply func(ctx context.Context, env *Env, id string) (*domain.PatchRecord, error)) error {
	return withSession(cmd, factory, archivePath, func(ctx context.Context, env *Env, id string) error {
		record, err := apply(ctx, env, id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s %s%s: %s\n", record.Op, className, record.Member, record.Descriptor, record.Result)

		if flags.showDiff {
			diff, err := env.Sessions.DiffClass(id, className)
			if err != nil {
				return err
			}
			fmt.Fprint(out, diff)
		}
		if err := env.Sessions.Save(ctx, id, flags.out); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s\n", flags.out)
		return nil
	})
}

func patchCmd(factory EnvFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply a bytecode patch to one class and save a new archive",
	}
	cmd.AddCommand(
		addFieldCmd(factory),
		addMethodCmd(factory),
		accessCmd(factory),
		literalCmd(factory),
	)
	return cmd
}

func addFieldCmd(factory EnvFactory) *cobra.Command {
	var flags patchFlags
	var access string
	cmd := &cobra.Command{
		Use:     "add-field <archive> <class> <name> <descriptor>",
		Short:   "Append a field to a class",
		Example: `  jarscope patch add-field app.jar com.acme.Main debug Z --access private,static -o out.jar`,
		Args:    cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagsValue, err := classfile.ParseAccess(access, false)
			if err != nil {
				return err
			}
			return runPatch(cmd, factory, &flags, args[0], args[1], func(ctx context.Context, env *Env, id string) (*domain.PatchRecord, error) {
				return env.Sessions.AddField(ctx, id, args[1], args[2], args[3], flagsValue)
			})
		},
	}
	cmd.Flags().StringVar(&access, "access", "public", "access flags, numeric or comma separated names")
	flags.register(cmd)
	return cmd
}

func addMethodCmd(factory EnvFactory) *cobra.Command {
	var flags patchFlags
	cmd := &cobra.Command{
		Use:   "add-method <archive> <class>",
		Short: "Append an empty public void marker method (newMethod, newMethod$1, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(cmd, factory, &flags, args[0], args[1], func(ctx context.Context, env *Env, id string) (*domain.PatchRecord, error) {
				return env.Sessions.AddMarkerMethod(ctx, id, args[1])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func accessCmd(factory EnvFactory) *cobra.Command {
	var flags patchFlags
	cmd := &cobra.Command{
		Use:     "access <archive> <class> <method> <descriptor> <flags>",
		Short:   "Replace the access flags of a method",
		Example: `  jarscope patch access app.jar com.acme.Main check ()Z public -o out.jar`,
		Args:    cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagsValue, err := classfile.ParseAccess(args[4], true)
			if err != nil {
				return err
			}
			return runPatch(cmd, factory, &flags, args[0], args[1], func(ctx context.Context, env *Env, id string) (*domain.PatchRecord, error) {
				return env.Sessions.ChangeMemberAccess(ctx, id, args[1], args[2], args[3], flagsValue)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func literalCmd(factory EnvFactory) *cobra.Command {
	var flags patchFlags
	cmd := &cobra.Command{
		Use:   "literal <archive> <class> <method> <descriptor> <old> <new>",
		Short: "Retarget ldc instructions in a method from one string literal to another",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(cmd, factory, &flags, args[0], args[1], func(ctx context.Context, env *Env, id string) (*domain.PatchRecord, error) {
				return env.Sessions.ReplaceStringLiteral(ctx, id, args[1], args[2], args[3], args[4], args[5])
			})
		},
	}
	flags.register(cmd)
	return cmd
}
