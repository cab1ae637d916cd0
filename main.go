package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/apparentlymart/go-userdirs/userdirs"
	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/cobra"

	"github.com/apparentlymart/ocicopy/internal/config"
	"github.com/apparentlymart/ocicopy/internal/copier"
	"github.com/apparentlymart/ocicopy/internal/logging"
	"github.com/apparentlymart/ocicopy/internal/memregistry"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
	"github.com/apparentlymart/ocicopy/internal/server"
)

func main() {
	err := rootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ocicopy",
		Short:         "Copies artifacts between OCI Distribution registries.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetUsageTemplate(usageTemplate)
	cmdLineConfigFile := root.PersistentFlags().String("config", "", "Configuration file to use")
	logLevel := root.PersistentFlags().String("log-level", "warn", "Minimum level of log messages to show: debug, info, warn, or error")
	logFormat := root.PersistentFlags().String("log-format", "text", "Format of log messages: text or json")
	concurrency := root.PersistentFlags().Int("concurrency", 0, "Maximum number of registry operations to run at once, overriding the configuration")
	var globalConfig *config.Config
	var ctx context.Context

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger, err := logging.NewLogger(cmd.ErrOrStderr(), *logLevel, *logFormat)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: Invalid logging options: %s.\n", err)
			os.Exit(1)
		}
		ctx = logging.ContextWithLogger(cmd.Context(), logger)

		var configFile string
		if *cmdLineConfigFile != "" {
			configFile = *cmdLineConfigFile
		} else {
			candidates := dirs.FindConfigFiles("config.hcl")
			if len(candidates) == 0 {
				// Without a configuration there are no registries to talk
				// to, but the scratch server can still run.
				logger.Debug("no configuration file found")
				globalConfig = &config.Config{
					Registries: map[string]*config.Registry{},
				}
				return
			}
			if len(candidates) != 1 {
				fmt.Fprintf(
					cmd.ErrOrStderr(),
					"Error: Multiple configuration files found.\n\nUse the --config option to specify which configuration file to use.\nFound the following configuration files:\n",
				)
				for _, filename := range candidates {
					fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", filename)
				}
				os.Exit(1)
			}
			configFile = candidates[0]
		}

		gotConfig, diags := config.LoadConfigFile(configFile)
		for _, diag := range diags {
			severity := "Problem"
			switch diag.Severity {
			case hcl.DiagError:
				severity = "Error"
			case hcl.DiagWarning:
				severity = "Warning"
			}
			prefix := severity
			if diag.Subject != nil {
				prefix = fmt.Sprintf("%s at %s", severity, *diag.Subject)
			}
			detail := ""
			if diag.Detail != "" {
				detail = "\n\n" + diag.Detail + "\n"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s%s\n", prefix, diag.Summary, detail)
		}
		if diags.HasErrors() {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nConfiguration is invalid.\n")
			os.Exit(1)
		}
		globalConfig = gotConfig
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "copy <source> <destination>",
			Short: "Copy an artifact and everything it refers to from one repository to another",
			Long: `Copy an artifact and everything it refers to from one repository to another.

Both addresses start with the name of a registry from the configuration,
followed by a namespace in that registry, like upstream/library/alpine:3.19.
The source must include a tag or digest. If the destination doesn't, the
artifact is tagged with the source's reference there too.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext(ctx)
				defer cancel()
				return runCopy(ctx, cmd, globalConfig, *concurrency, args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "resolve <reference>",
			Short: "Print the descriptor of the manifest that a tag or digest refers to",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext(ctx)
				defer cancel()
				return runResolve(ctx, cmd, globalConfig, args[0])
			},
		},
		&cobra.Command{
			Use:   "tags <repository>",
			Short: "List the tags in a repository",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext(ctx)
				defer cancel()
				return runTags(ctx, cmd, globalConfig, args[0])
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run a scratch registry that keeps everything in memory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext(ctx)
				defer cancel()
				return server.Run(ctx, globalConfig.Server, memregistry.New().Handler())
			},
		},
	)

	return root
}

func runCopy(ctx context.Context, cmd *cobra.Command, cfg *config.Config, concurrency int, srcArg, dstArg string) error {
	srcAddr, err := ocidist.ParseRepositoryReference(srcArg)
	if err != nil {
		return fmt.Errorf("invalid source %q: %w", srcArg, err)
	}
	if srcAddr.Reference == "" {
		return fmt.Errorf("invalid source %q: must include a tag or digest", srcArg)
	}
	dstAddr, err := ocidist.ParseRepositoryReference(dstArg)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", dstArg, err)
	}

	clients := newRegistryClients(cfg)
	defer clients.Close()
	src, err := clients.repository(srcAddr)
	if err != nil {
		return err
	}
	dst, err := clients.repository(dstAddr)
	if err != nil {
		return err
	}

	srcClient, _ := clients.client(srcAddr.Registry)
	dstClient, _ := clients.client(dstAddr.Registry)
	for _, client := range []*ocidist.Client{srcClient, dstClient} {
		if err := client.CheckAPISupport(ctx); err != nil {
			return fmt.Errorf("%s does not seem to be an OCI Distribution registry: %w", client.Host(), err)
		}
	}

	opts := copyOptions(cfg.Copy, concurrency)
	if cfg.Copy != nil && cfg.Copy.Mount {
		if srcClient.Host() == dstClient.Host() {
			from := srcAddr.Namespace.String()
			opts.MountFrom = func(ocidist.Descriptor) []string {
				return []string{from}
			}
		}
	}
	summary := &copySummary{}
	opts.Observer = summary.observer()

	root, err := copier.Copy(ctx, src, srcAddr.Reference.String(), dst, dstAddr.Reference.String(), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s\n", root.Digest, dstAddr)
	summary.print(cmd.OutOrStdout())
	return nil
}

// copyOptions translates the configuration into options for the copy
// engine. A non-zero concurrency from the command line wins.
func copyOptions(cfg *config.Copy, concurrency int) copier.Options {
	var opts copier.Options
	if cfg != nil {
		opts.Concurrency = cfg.Concurrency
		opts.InitialBackoff = cfg.InitialBackoff
		opts.MaxBackoff = cfg.MaxBackoff
		if cfg.MaxRetries != nil {
			opts.MaxRetries = *cfg.MaxRetries
			if opts.MaxRetries == 0 {
				opts.MaxRetries = -1
			}
		}
	}
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}
	return opts
}

func runResolve(ctx context.Context, cmd *cobra.Command, cfg *config.Config, arg string) error {
	addr, err := ocidist.ParseRepositoryReference(arg)
	if err != nil {
		return fmt.Errorf("invalid reference %q: %w", arg, err)
	}
	if addr.Reference == "" {
		return fmt.Errorf("invalid reference %q: must include a tag or digest", arg)
	}
	clients := newRegistryClients(cfg)
	defer clients.Close()
	repo, err := clients.repository(addr)
	if err != nil {
		return err
	}

	desc, err := repo.Resolve(ctx, addr.Reference.String())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(desc)
}

func runTags(ctx context.Context, cmd *cobra.Command, cfg *config.Config, arg string) error {
	addr, err := ocidist.ParseRepositoryReference(arg)
	if err != nil {
		return fmt.Errorf("invalid repository %q: %w", arg, err)
	}
	clients := newRegistryClients(cfg)
	defer clients.Close()
	client, err := clients.client(addr.Registry)
	if err != nil {
		return err
	}

	tags, err := client.GetNamespaceTags(ctx, addr.Namespace)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		fmt.Fprintln(cmd.OutOrStdout(), tag)
	}
	return nil
}

// signalContext returns a context that's cancelled when the user interrupts
// the program.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()

		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt)
		defer signal.Stop(signalCh)

		select {
		case <-signalCh:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

var dirs = userdirs.ForApp(
	"ocicopy",
	"apparentlymart",
	"io.github.apparentlymart.ocicopy",
)

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available subcommands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional subcommands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Options:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global options:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
