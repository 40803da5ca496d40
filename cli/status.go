package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshlink/crypto"
	"meshlink/models"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show identity, queue depths and stored message counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, cfg, dataDir, err := openNode(cmd, nil)
			if err != nil {
				return err
			}
			defer n.Stop()

			out := cmd.OutOrStdout()
			printIdentity(out, n, cfg, dataDir)
			status, err := n.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Offline Queue:   %d\n", status.OfflineQueued)
			fmt.Fprintf(out, "Forward Queue:   %d\n", status.ForwardQueued)
			fmt.Fprintf(out, "Stored Messages: %d\n", status.StoredCount)
			fmt.Fprintf(out, "Bootstrap Peers: %d\n", len(cfg.BootstrapPeers))
			return nil
		},
	}
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Show this device's key and the keys learned from peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, cfg, _, err := openNode(cmd, nil)
			if err != nil {
				return err
			}
			defer n.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Fingerprint:     %s\n", n.Fingerprint())
			fmt.Fprintf(out, "Key File:        %s\n", cfg.X25519PrivateKeyPath)

			if showPeers, _ := cmd.Flags().GetBool("peers"); !showPeers {
				return nil
			}
			keys, err := n.PeerKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Known Peers:     %d\n", len(keys))
			for _, key := range keys {
				fmt.Fprintf(out, "  %s  %s  last seen %s\n",
					key.DeviceID,
					crypto.FormatFingerprint(key.KeyFingerprint),
					time.UnixMilli(key.LastSeen).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Bool("peers", false, "also list keys learned from KEY_EXCHANGE announcements")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [device-id|ALL]",
		Short: "List stored messages with one peer, or broadcasts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			n, _, _, err := openNode(cmd, nil)
			if err != nil {
				return err
			}
			defer n.Stop()

			peer := models.Broadcast
			if len(args) == 1 {
				peer = args[0]
			}
			messages, err := n.Broadcasts(limit)
			if peer != models.Broadcast {
				messages, err = n.Conversation(peer, limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, msg := range messages {
				fmt.Fprintf(out, "%s  %-8s %-16s %s -> %s: %s\n",
					time.UnixMilli(msg.TimestampSent).Format(time.DateTime),
					msg.DeliveryStatus,
					msg.MessageType,
					msg.SenderID,
					msg.ReceiverID,
					msg.Content)
			}
			if len(messages) == 0 {
				fmt.Fprintln(out, "no messages")
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of messages")
	return cmd
}
