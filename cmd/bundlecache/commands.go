package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/bundlecache/bundlecache/internal/config"
	"github.com/bundlecache/bundlecache/internal/storage/pack"
	"github.com/bundlecache/bundlecache/internal/storage/remote"
	s3store "github.com/bundlecache/bundlecache/internal/storage/s3"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bundlecache",
		Short:         "Inspect and maintain a build cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML configuration file (env BUNDLECACHE_CONFIG)")
	root.PersistentFlags().String("cache-dir", "", "cache directory, overrides the configuration")

	root.AddCommand(newInspectCommand(), newClearCommand(), newConfigCommand())
	return root
}

// flagOrEnv returns the flag value, else the environment value, else def.
func flagOrEnv(cmd *cobra.Command, flagName, envName, def string) string {
	if val, _ := cmd.Flags().GetString(flagName); val != "" {
		return val
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return def
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if file := flagOrEnv(cmd, "config", "BUNDLECACHE_CONFIG", ""); file != "" {
		if err := cfg.LoadFromFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		cfg.Persistence.Directory = dir
	}
	return cfg, nil
}

func openPack(cfg *config.Configuration) (*pack.Strategy, error) {
	if _, err := os.Stat(cfg.Persistence.Directory); err != nil {
		return nil, fmt.Errorf("cache directory %s: %w", cfg.Persistence.Directory, err)
	}
	return pack.Open(cfg.Persistence.Directory, &pack.Config{
		Compression: cfg.Persistence.Compression,
		IndexFile:   cfg.Persistence.IndexFile,
	})
}

// remoteStore is what the maintenance commands need from a remote tier
type remoteStore interface {
	types.Lister
	BuildDependencies(ctx context.Context) ([]string, error)
	Purge(ctx context.Context) error
	Close() error
}

func openRemote(ctx context.Context, cfg *config.Configuration) (remoteStore, error) {
	r := cfg.Remote
	if r.Kind == config.RemoteS3 {
		s, err := s3store.Dial(ctx, &s3store.Config{
			Bucket:          r.Bucket,
			Prefix:          r.Prefix,
			Region:          r.Region,
			Endpoint:        r.Endpoint,
			ForcePathStyle:  r.ForcePathStyle,
			AccessKeyID:     r.AccessKeyID,
			SecretAccessKey: r.SecretAccessKey,
			QueryTimeout:    r.QueryTimeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := remote.Dial(ctx, &remote.Config{
		Address:      r.Address,
		Password:     r.Password,
		DB:           r.DB,
		Prefix:       r.Prefix,
		QueryTimeout: r.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// remoteLocation names the remote tier in command output.
func remoteLocation(cfg *config.Configuration) string {
	r := cfg.Remote
	if r.Kind != config.RemoteS3 {
		return r.Address
	}
	if r.Prefix == "" {
		return "s3://" + r.Bucket
	}
	return "s3://" + r.Bucket + "/" + r.Prefix
}

type inspectOutput struct {
	Source            string             `json:"source"`
	Entries           []types.IndexEntry `json:"entries"`
	BuildDependencies []string           `json:"build_dependencies,omitempty"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			useRemote, _ := cmd.Flags().GetBool("remote")
			asJSON, _ := cmd.Flags().GetBool("json")

			var out inspectOutput
			if useRemote {
				s, err := openRemote(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer s.Close()
				out.Source = remoteLocation(cfg)
				if out.Entries, err = s.Entries(cmd.Context()); err != nil {
					return err
				}
				if out.BuildDependencies, err = s.BuildDependencies(cmd.Context()); err != nil {
					return err
				}
			} else {
				s, err := openPack(cfg)
				if err != nil {
					return err
				}
				defer s.Close()
				out.Source = cfg.Persistence.Directory
				if out.Entries, err = s.Entries(cmd.Context()); err != nil {
					return err
				}
				out.BuildDependencies = s.BuildDependencies()
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printEntries(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Bool("remote", false, "list the remote tier instead of the local pack")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func printEntries(w io.Writer, out inspectOutput) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "IDENTIFIER\tETAG\tSIZE\tSTORED\n")
	var total int64
	for _, e := range out.Entries {
		total += e.Size
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Identifier, e.Etag, utils.FormatBytes(e.Size), e.StoredAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d entries, %s in %s\n", len(out.Entries), utils.FormatBytes(total), out.Source)
	if len(out.BuildDependencies) > 0 {
		fmt.Fprintf(w, "build dependencies: %d\n", len(out.BuildDependencies))
	}
	return nil
}

func newClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if useRemote, _ := cmd.Flags().GetBool("remote"); useRemote {
				s, err := openRemote(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer s.Close()
				if err := s.Purge(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared remote cache %s\n", remoteLocation(cfg))
				return nil
			}

			s, err := openPack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Purge(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", cfg.Persistence.Directory)
			return nil
		},
	}
	cmd.Flags().Bool("remote", false, "clear the remote tier instead of the local pack")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}, &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
