package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and build plugin archives",
	}
	cmd.AddCommand(newPluginsValidateCmd())
	cmd.AddCommand(newPluginsPackCmd())
	cmd.AddCommand(newPluginsVariantsCmd())
	return cmd
}

func newPluginsValidateCmd() *cobra.Command {
	var (
		dir  string
		exts []string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load every archive of a directory without serving",
		Long: `Load every plugin archive of a directory the way the gateway does, and
report the services they register. Exits non-zero when any archive fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validatePlugins(cmd.Context(), cmd.OutOrStdout(), dir, exts)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "./plugins", "plugin directory")
	cmd.Flags().StringSliceVar(&exts, "ext", []string{".zip", ".jar"}, "archive extensions")
	return cmd
}

var errInvalidPlugins = errors.New("plugin validation failed")

func validatePlugins(ctx context.Context, out io.Writer, dir string, exts []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := loader.New(dir, exts, logger).Load(ctx)
	if err != nil {
		return err
	}

	entries := make([]registry.Entry, 0, len(res.Loaded))
	sources := make(map[string]string, len(res.Loaded))
	for _, l := range res.Loaded {
		entries = append(entries, l.Entry())
		sources[l.Config.ServiceProperties.ServiceName] = filepath.Base(l.Unit.Source)
	}
	reg := registry.New(logger)
	applied := reg.Apply(entries, false)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, md := range reg.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s@%s\t%s -> %s\n",
			okStyle.Render("OK"), sources[md.ServiceName()],
			md.PluginID, md.PluginVersion, md.ServiceName(), md.TargetURI)
	}

	failed := make(map[string]error, len(res.Failed)+len(applied.Failed))
	for file, err := range res.Failed {
		failed[filepath.Base(file)] = err
	}
	for key, err := range applied.Failed {
		if src, ok := sources[key]; ok {
			key = src
		}
		failed[key] = err
	}
	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", failStyle.Render("FAIL"), k, failed[k])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d registered, %d failed", reg.Len(), len(failed))))
	if len(failed) > 0 {
		return errInvalidPlugins
	}
	return nil
}

func newPluginsPackCmd() *cobra.Command {
	var (
		manifest      string
		serviceConfig string
		extra         []string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Bundle a manifest and a service config into an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := packPlugin(manifest, serviceConfig, extra, output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", plugin.ManifestFile, "manifest file")
	cmd.Flags().StringVar(&serviceConfig, "service-config", plugin.ServiceConfigFile, "service config file")
	cmd.Flags().StringSliceVar(&extra, "file", nil, "additional files to bundle")
	cmd.Flags().StringVarP(&output, "out", "o", "", "archive to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// packPlugin writes an archive and reads it back the way the loader does.
func packPlugin(manifest, serviceConfig string, extra []string, output string) error {
	files := make(map[string][]byte, 2+len(extra))
	for name, path := range map[string]string{
		plugin.ManifestFile:      manifest,
		plugin.ServiceConfigFile: serviceConfig,
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[name] = data
	}
	for _, path := range extra {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.Base(path)] = data
	}

	if _, err := plugin.ParseServiceConfig(files[plugin.ServiceConfigFile]); err != nil {
		return fmt.Errorf("%s: %w", serviceConfig, err)
	}
	if err := loader.WriteArchive(output, files); err != nil {
		return err
	}
	if _, err := loader.ReadUnit(output); err != nil {
		_ = os.Remove(output)
		return err
	}
	return nil
}

func newPluginsVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List the compiled-in service variants",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(plugin.Variants(), "\n"))
		},
	}
}
