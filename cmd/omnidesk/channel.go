package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"

	"omnidesk/internal/validation"
	"omnidesk/pkg/channel"

	"github.com/spf13/cobra"
)

// ChannelConfigAdmin is the slice of the store the channel commands use.
type ChannelConfigAdmin interface {
	SaveChannelConfig(ctx context.Context, cfg channel.ChannelConfig) error
	GetChannelConfig(ctx context.Context, companyID string, ch channel.Type) (*channel.ChannelConfig, error)
	ListChannelConfigs(ctx context.Context, companyID string) ([]channel.ChannelConfig, error)
	DeleteChannelConfig(ctx context.Context, companyID string, ch channel.Type) error
}

type channelSetOptions struct {
	company       string
	channel       string
	credentials   map[string]string
	settings      map[string]string
	webhookSecret string
	verifyToken   string
	disabled      bool
}

func channelCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage per-company channel connections",
	}

	withStore := func(run func(cmd *cobra.Command, store ChannelConfigAdmin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return run(cmd, db)
		}
	}

	set := &channelSetOptions{}
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a company's channel connection",
		RunE: withStore(func(cmd *cobra.Command, store ChannelConfigAdmin) error {
			return setChannel(cmd.Context(), cmd.OutOrStdout(), store, set)
		}),
	}
	setCmd.Flags().StringVar(&set.company, "company", "", "Company id")
	setCmd.Flags().StringVar(&set.channel, "channel", "", "Channel type ("+joinTypes(channel.BuiltIn())+")")
	setCmd.Flags().StringToStringVar(&set.credentials, "credential", nil, "Provider credential key=value (repeatable)")
	setCmd.Flags().StringToStringVar(&set.settings, "setting", nil, "Channel setting key=value (repeatable)")
	setCmd.Flags().StringVar(&set.webhookSecret, "webhook-secret", "", "Secret used to verify inbound webhook signatures")
	setCmd.Flags().StringVar(&set.verifyToken, "verify-token", "", "Token echoed during webhook subscription handshakes")
	setCmd.Flags().BoolVar(&set.disabled, "disabled", false, "Store the connection disabled")
	_ = setCmd.MarkFlagRequired("company")
	_ = setCmd.MarkFlagRequired("channel")

	var listCompany string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a company's channel connections",
		RunE: withStore(func(cmd *cobra.Command, store ChannelConfigAdmin) error {
			return listChannels(cmd.Context(), cmd.OutOrStdout(), store, listCompany)
		}),
	}
	listCmd.Flags().StringVar(&listCompany, "company", "", "Company id")
	_ = listCmd.MarkFlagRequired("company")

	var delCompany, delChannel string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a company's channel connection",
		RunE: withStore(func(cmd *cobra.Command, store ChannelConfigAdmin) error {
			if err := store.DeleteChannelConfig(cmd.Context(), delCompany, channel.Type(strings.ToLower(delChannel))); err != nil {
				return fmt.Errorf("failed to delete %s for %s: %w", delChannel, delCompany, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s connection for %s\n", delChannel, delCompany)
			return nil
		}),
	}
	deleteCmd.Flags().StringVar(&delCompany, "company", "", "Company id")
	deleteCmd.Flags().StringVar(&delChannel, "channel", "", "Channel type")
	_ = deleteCmd.MarkFlagRequired("company")
	_ = deleteCmd.MarkFlagRequired("channel")

	cmd.AddCommand(setCmd, listCmd, deleteCmd)
	return cmd
}

func setChannel(ctx context.Context, out io.Writer, store ChannelConfigAdmin, opts *channelSetOptions) error {
	if err := validation.ValidateIdentifier("company id", opts.company); err != nil {
		return err
	}
	ch := channel.Type(strings.ToLower(strings.TrimSpace(opts.channel)))
	if !slices.Contains(channel.BuiltIn(), ch) {
		return channel.NewUnsupportedChannel(ch)
	}

	settings := make(map[string]any, len(opts.settings))
	for k, v := range opts.settings {
		settings[k] = v
	}
	cfg := channel.ChannelConfig{
		CompanyID:     opts.company,
		Channel:       ch,
		Credentials:   opts.credentials,
		Settings:      settings,
		WebhookSecret: opts.webhookSecret,
		VerifyToken:   opts.verifyToken,
		Enabled:       !opts.disabled,
	}
	if err := store.SaveChannelConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save %s for %s: %w", ch, opts.company, err)
	}

	fmt.Fprintf(out, "Saved %s connection for %s (enabled=%t)\n", ch, opts.company, cfg.Enabled)
	if cfg.WebhookSecret == "" {
		fmt.Fprintf(out, "Warning: no webhook secret set, inbound webhooks for %s will be rejected\n", ch)
	}
	return nil
}

// listChannels prints credential names only, never values.
func listChannels(ctx context.Context, out io.Writer, store ChannelConfigAdmin, company string) error {
	configs, err := store.ListChannelConfigs(ctx, company)
	if err != nil {
		return fmt.Errorf("failed to list channels for %s: %w", company, err)
	}
	if len(configs) == 0 {
		fmt.Fprintf(out, "No channels configured for %s\n", company)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tENABLED\tCREDENTIALS\tWEBHOOK SECRET\tUPDATED")
	for _, cfg := range configs {
		keys := make([]string, 0, len(cfg.Credentials))
		for k := range cfg.Credentials {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "%s\t%t\t%s\t%t\t%s\n",
			cfg.Channel, cfg.Enabled, strings.Join(keys, ","), cfg.WebhookSecret != "",
			cfg.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func joinTypes(types []channel.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
