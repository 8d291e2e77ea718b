package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// mappingsCmd inspects the notification -> conversation store offline.
// Do not use it while 'relaybot run' is writing to the same JSON files.
func mappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect tracked notifications",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <notification_id>",
		Short: "Show where a notification came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			entry, ok, err := stores.Correlations.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("notification %d is not tracked", id)
			}
			data, _ := json.MarshalIndent(entry, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <notification_id>",
		Short: "Forget a notification; replies to it will be dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			if err := stores.Correlations.Remove(cmd.Context(), id); err != nil {
				return err
			}
			logger.Info("notification removed", "notification", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Number of tracked notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()
			fmt.Println(stores.Correlations.Len())
			return nil
		},
	})

	return cmd
}
