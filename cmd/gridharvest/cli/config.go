package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"gridharvest/internal/config"
	configfile "gridharvest/internal/config/file"
)

func newConfigCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, cfg, err := openConfig(cmd)
				if err != nil {
					return err
				}
				p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
				if p.isJSON() {
					return p.json(cfg)
				}
				p.kv([][2]string{
					{"File", store.Path()},
					{"Index node", cfg.IndexNode},
					{"Facets", strings.Join(cfg.Facets, ",")},
					{"Page size", strconv.Itoa(cfg.PageSize)},
					{"Pool size", strconv.Itoa(cfg.PoolSize)},
					{"Lock poll interval", cfg.LockPollInterval},
					{"Rate limit", fmt.Sprintf("%g/s burst %d", cfg.RateLimit, cfg.RateBurst)},
					{"Request timeout", cfg.RequestTimeout},
					{"Max response size", cfg.MaxResponseSize},
					{"Auto update", strconv.FormatBool(cfg.AutoUpdate)},
					{"Retry schedule", cfg.RetryCron},
					{"Store type", cfg.StoreType},
					{"Download dir", cfg.Download.Dir},
					{"Download services", strings.Join(cfg.Download.Services, ",")},
				})
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one configuration value",
			Long: `Change one configuration value.

Keys: indexNode, facets, pageSize, poolSize, lockPollInterval, rateLimit,
rateBurst, requestTimeout, maxResponseSize, autoUpdate, retryCron,
storeType, download.dir, download.services, download.include,
download.exclude, download.token. List values are comma separated.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, cfg, err := openConfig(cmd)
				if err != nil {
					return err
				}
				if err := setConfigValue(cfg, args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				return store.Save(cmd.Context(), cfg)
			},
		},
	)
	for _, c := range cmd.Commands() {
		c.Flags().String("home", "", "home directory (default: platform config dir)")
		c.Flags().StringP("output", "o", "table", "output format: table or json")
	}
	return cmd
}

func openConfig(cmd *cobra.Command) (*configfile.Store, *config.Config, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return nil, nil, err
	}
	if err := hd.EnsureExists(); err != nil {
		return nil, nil, err
	}
	store := configfile.NewStore(hd.ConfigPath())
	cfg, err := config.LoadOrBootstrap(context.WithoutCancel(cmd.Context()), store)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// setConfigValue assigns value to the config field named key.
func setConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch key {
	case "indexNode":
		cfg.IndexNode = value
	case "facets":
		cfg.Facets = splitList(value)
	case "pageSize":
		cfg.PageSize, err = strconv.Atoi(value)
	case "poolSize":
		cfg.PoolSize, err = strconv.Atoi(value)
	case "lockPollInterval":
		cfg.LockPollInterval = value
	case "rateLimit":
		cfg.RateLimit, err = strconv.ParseFloat(value, 64)
	case "rateBurst":
		cfg.RateBurst, err = strconv.Atoi(value)
	case "requestTimeout":
		cfg.RequestTimeout = value
	case "maxResponseSize":
		cfg.MaxResponseSize = value
	case "autoUpdate":
		cfg.AutoUpdate, err = strconv.ParseBool(value)
	case "retryCron":
		cfg.RetryCron = value
	case "storeType":
		cfg.StoreType = value
	case "download.dir":
		cfg.Download.Dir = value
	case "download.services":
		cfg.Download.Services = splitList(value)
	case "download.include":
		cfg.Download.Include = splitList(value)
	case "download.exclude":
		cfg.Download.Exclude = splitList(value)
	case "download.token":
		cfg.Download.Token = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}
