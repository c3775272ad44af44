package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amikos-tech/pure-dl/bootstrap"
	"github.com/amikos-tech/pure-dl/dl"
	"github.com/amikos-tech/pure-dl/libpath"
)

// cli holds the state shared by all subcommands.
type cli struct {
	logLevel string
	mode     string
	logger   *logrus.Logger
	out      io.Writer
	backend  dl.Backend
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return newCLI(stdout, stderr).rootCmd()
}

func newCLI(stdout, stderr io.Writer) *cli {
	c := &cli{logger: logrus.New(), out: stdout}
	c.logger.SetOutput(stderr)
	return c
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dlinspect",
		Short:         "Inspect shared libraries through the pure-dl loader",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.logLevel == "" {
				c.logLevel = os.Getenv("PUREDL_LOG_LEVEL")
			}
			if c.logLevel == "" {
				c.logLevel = "warning"
			}
			level, err := logrus.ParseLevel(c.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			c.logger.SetLevel(level)

			if c.mode == "" {
				c.mode = os.Getenv("PUREDL_MODE")
			}
			return nil
		},
	}
	rootCmd.SetOut(c.out)
	rootCmd.SetErr(c.logger.Out)

	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (trace, debug, info, warning, error); defaults to $PUREDL_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&c.mode, "mode", "", "Comma-separated open flags (lazy, now, global, local); defaults to $PUREDL_MODE")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "load PATH [SYMBOL...]",
		Short: "Load a library twice through one registry and resolve symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.load(args[0], args[1:])
		},
	})

	var findDirs []string
	findCmd := &cobra.Command{
		Use:   "find NAME",
		Short: "Locate a shared library file by base name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := libpath.Find(libpath.PlatformName(args[0], runtime.GOOS), runtime.GOOS, findDirs...)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, path)
			return nil
		},
	}
	findCmd.Flags().StringSliceVar(&findDirs, "dir", nil, "Extra directories to search first")
	rootCmd.AddCommand(findCmd)

	rootCmd.AddCommand(c.newFetchCmd())
	return rootCmd
}

func (c *cli) newFetchCmd() *cobra.Command {
	var (
		name, version, urlTemplate, cacheDir string
		checksum, platform, archiveExt       string
		disableDownload, load                bool
	)

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Provision a shared library from a release archive into the cache",
		Long: `Download and extract a release archive, then print the library path.
The URL template expands {name}, {version}, {platform}, {goos}, {goarch}
and {archive}. Defaults come from PUREDL_CACHE_DIR, PUREDL_VERSION and
PUREDL_DISABLE_DOWNLOAD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []bootstrap.Option{bootstrap.WithLogger(c.logger)}
			if name != "" {
				opts = append(opts, bootstrap.WithLibraryName(name))
			}
			if version != "" {
				opts = append(opts, bootstrap.WithVersion(version))
			}
			if urlTemplate != "" {
				opts = append(opts, bootstrap.WithURLTemplate(urlTemplate))
			}
			if cacheDir != "" {
				opts = append(opts, bootstrap.WithCacheDir(cacheDir))
			}
			if checksum != "" {
				opts = append(opts, bootstrap.WithExpectedSHA256(checksum))
			}
			if platform != "" {
				opts = append(opts, bootstrap.WithPlatform(platform))
			}
			if archiveExt != "" {
				opts = append(opts, bootstrap.WithArchiveExtension(archiveExt))
			}
			if cmd.Flags().Changed("disable-download") {
				opts = append(opts, bootstrap.WithDisableDownload(disableDownload))
			}

			if !load {
				path, err := bootstrap.Ensure(opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, path)
				return nil
			}

			r, err := c.registry()
			if err != nil {
				return err
			}
			lib, err := bootstrap.Load(r, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\thandle=%#x\n", lib.Path(), uintptr(lib.Handle()))
			return lib.Close()
		},
	}

	fetchCmd.Flags().StringVar(&name, "name", "", "Library base name, e.g. onnxruntime")
	fetchCmd.Flags().StringVar(&version, "version", "", "Library version (semver)")
	fetchCmd.Flags().StringVar(&urlTemplate, "url", "", "Archive URL template")
	fetchCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory")
	fetchCmd.Flags().StringVar(&checksum, "sha256", "", "Expected archive SHA256")
	fetchCmd.Flags().StringVar(&platform, "platform", "", "Platform label used in the archive name")
	fetchCmd.Flags().StringVar(&archiveExt, "archive-ext", "", "Archive format (tgz or zip)")
	fetchCmd.Flags().BoolVar(&disableDownload, "disable-download", false, "Only use the cache")
	fetchCmd.Flags().BoolVar(&load, "load", false, "Load the provisioned library after fetching")
	return fetchCmd
}

func (c *cli) registry() (*dl.Registry, error) {
	mode, err := parseMode(c.mode)
	if err != nil {
		return nil, err
	}
	opts := []dl.Option{dl.WithMode(mode), dl.WithLogger(c.logger)}
	if c.backend != nil {
		opts = append(opts, dl.WithBackend(c.backend))
	}
	return dl.NewRegistry(opts...)
}

func (c *cli) load(path string, symbols []string) error {
	r, err := c.registry()
	if err != nil {
		return err
	}

	first, err := r.Load(path)
	if err != nil {
		return err
	}
	second, err := r.Load(path)
	if err != nil {
		return errors.Join(err, first.Close())
	}

	fmt.Fprintf(c.out, "path:    %s\n", first.Path())
	fmt.Fprintf(c.out, "handle:  %#x\n", uintptr(first.Handle()))
	fmt.Fprintf(c.out, "shared:  %t\n", first.Handle() == second.Handle())
	fmt.Fprintf(c.out, "refs:    %d\n", r.Refs(path))

	var lookupErrs []error
	for _, name := range symbols {
		addr, err := first.Symbol(name)
		if err != nil {
			c.logger.WithField("symbol", name).WithError(err).Debug("symbol lookup failed")
			fmt.Fprintf(c.out, "symbol:  %s\t<not found>\n", name)
			lookupErrs = append(lookupErrs, err)
			continue
		}
		fmt.Fprintf(c.out, "symbol:  %s\t%#x\n", name, addr)
	}

	if err := first.Close(); err != nil {
		return errors.Join(err, second.Close())
	}
	fmt.Fprintf(c.out, "after first close: loaded=%t refs=%d\n", r.Loaded(path), r.Refs(path))
	if err := second.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "after second close: loaded=%t\n", r.Loaded(path))

	if len(lookupErrs) > 0 {
		return fmt.Errorf("%d of %d symbols could not be resolved", len(lookupErrs), len(symbols))
	}
	return nil
}

// parseMode maps names such as "now,global" to dl.Mode bits. Binding
// defaults to lazy when neither lazy nor now is named.
func parseMode(s string) (dl.Mode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return dl.ModeLazy, nil
	}
	var mode dl.Mode
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "lazy":
			mode |= dl.ModeLazy
		case "now":
			mode |= dl.ModeNow
		case "global":
			mode |= dl.ModeGlobal
		case "local":
			mode |= dl.ModeLocal
		default:
			return 0, fmt.Errorf("unknown mode %q", part)
		}
	}
	if mode&(dl.ModeLazy|dl.ModeNow) == 0 {
		mode |= dl.ModeLazy
	}
	return mode, nil
}
