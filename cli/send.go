package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meshlink/config"
	"meshlink/models"
	"meshlink/node"
	"meshlink/storage"
)

const pollInterval = 50 * time.Millisecond

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <device-id|ALL> <text>",
		Short: "Send one message and wait briefly for delivery",
		Long: `Start a short-lived node, link to --peer (or whatever mDNS finds),
send the text and wait for a delivery receipt. Without a link the message
stays in the offline queue and goes out with the next run.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			receiver := args[0]
			text := strings.Join(args[1:], " ")
			return sendOnce(cmd, func(n *node.Node) (models.Message, error) {
				return n.SendText(receiver, text)
			})
		},
	}
	addSendFlags(cmd)
	return cmd
}

func newSOSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sos",
		Short: "Broadcast an SOS with the given position",
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			accuracy, _ := cmd.Flags().GetFloat64("accuracy")
			return sendOnce(cmd, func(n *node.Node) (models.Message, error) {
				return n.SendSOS(models.LocationPayload{Latitude: lat, Longitude: lon, Accuracy: accuracy})
			})
		},
	}
	addSendFlags(cmd)
	cmd.Flags().Float64("lat", 0, "latitude")
	cmd.Flags().Float64("lon", 0, "longitude")
	cmd.Flags().Float64("accuracy", 0, "position accuracy in meters")
	return cmd
}

func addSendFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("peer", nil, "peer to dial first, e.g. tcp://10.0.0.2:7420 (repeatable)")
	cmd.Flags().Duration("wait", 5*time.Second, "how long to wait for a link, and again for a delivery receipt")
}

// sendOnce runs a node just long enough to link, send and collect a receipt.
func sendOnce(cmd *cobra.Command, send func(*node.Node) (models.Message, error)) error {
	peers, _ := cmd.Flags().GetStringSlice("peer")
	wait, _ := cmd.Flags().GetDuration("wait")

	n, _, _, err := openNode(cmd, func(cfg *config.DeviceConfig) {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, peers...)
	})
	if err != nil {
		return err
	}
	defer n.Stop()

	if err := n.Start(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	linkCtx, cancelLink := context.WithTimeout(cmd.Context(), wait)
	defer cancelLink()
	for _, peer := range peers {
		if err := n.Connect(linkCtx, peer); err != nil {
			fmt.Fprintf(out, "connect %s: %v\n", peer, err)
		}
	}
	waitUntil(linkCtx, func() bool { return n.Dispatcher().Pool().HasConnections() })

	msg, err := send(n)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Message ID:      %s\n", msg.ID)

	deliveryCtx, cancelDelivery := context.WithTimeout(cmd.Context(), wait)
	defer cancelDelivery()
	if msg.IsBroadcast() {
		// No receipts for broadcasts; keep the links up briefly so the flood leaves.
		waitUntil(deliveryCtx, func() bool { return false })
	} else {
		waitUntil(deliveryCtx, func() bool {
			status := deliveryStatus(n, msg.ID)
			return status == storage.StatusDelivered || status == storage.StatusRead
		})
	}
	printStatus(out, deliveryStatus(n, msg.ID))
	return nil
}

func deliveryStatus(n *node.Node, messageID string) string {
	stored, err := n.Message(messageID)
	if err != nil {
		return ""
	}
	return stored.DeliveryStatus
}

func printStatus(out io.Writer, status string) {
	if status == "" {
		return
	}
	fmt.Fprintf(out, "Status:          %s\n", status)
}

// waitUntil polls cond until it holds or ctx ends.
func waitUntil(ctx context.Context, cond func() bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
