package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshlink/config"
	"meshlink/mesh"
	"meshlink/models"
	"meshlink/node"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mesh node until interrupted",
		Long: `Run the node in the foreground.

This will:
- Listen on every enabled transport
- Advertise and browse the LAN over mDNS
- Dial the configured bootstrap peers and any given with --peer
- Print messages and mesh events as they arrive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, _ := cmd.Flags().GetStringSlice("peer")
			noMDNS, _ := cmd.Flags().GetBool("no-mdns")

			n, cfg, dataDir, err := openNode(cmd, func(cfg *config.DeviceConfig) {
				cfg.BootstrapPeers = append(cfg.BootstrapPeers, peers...)
				if noMDNS {
					cfg.Discovery.MDNS = false
				}
			})
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printIdentity(out, n, cfg, dataDir)
			status, err := n.Status()
			if err != nil {
				return err
			}
			for _, t := range status.Transports {
				fmt.Fprintf(out, "Transport:       %s %s\n", t.Kind, t.Address)
			}
			if cfg.Discovery.MDNS {
				fmt.Fprintln(out, "Discovery:       mdns")
			}
			fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")

			go printEvents(ctx, out, n.Events())

			<-ctx.Done()
			fmt.Fprintln(out, "Status:          shutting down")
			return nil
		},
	}
	cmd.Flags().StringSlice("peer", nil, "extra peer to dial, e.g. tcp://10.0.0.2:7420 (repeatable)")
	cmd.Flags().Bool("no-mdns", false, "disable mDNS discovery")
	return cmd
}

func printIdentity(out io.Writer, n *node.Node, cfg *config.DeviceConfig, dataDir string) {
	fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
	fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
	fmt.Fprintf(out, "Fingerprint:     %s\n", n.Fingerprint())
	fmt.Fprintf(out, "Config File:     %s\n", config.ConfigPath(dataDir))
	fmt.Fprintf(out, "Data Directory:  %s\n", dataDir)
	fmt.Fprintf(out, "Database File:   %s\n", n.DatabasePath())
}

func printEvents(ctx context.Context, out io.Writer, events <-chan mesh.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case mesh.EventMessageReceived:
				printMessage(out, ev.Message)
			case mesh.EventPeerConnected:
				fmt.Fprintf(out, "peer connected:    %s\n", ev.DeviceID)
			case mesh.EventPeerDisconnected:
				fmt.Fprintf(out, "peer disconnected: %s\n", ev.DeviceID)
			case mesh.EventNeighborDead:
				fmt.Fprintf(out, "neighbor lost:     %s\n", ev.DeviceID)
			case mesh.EventRouteEstablished:
				fmt.Fprintf(out, "route found:       %s\n", ev.DeviceID)
			case mesh.EventKeyConflict:
				fmt.Fprintf(out, "KEY MISMATCH:      %s presented a different key\n", ev.DeviceID)
			}
		}
	}
}

func printMessage(out io.Writer, msg models.Message) {
	from := msg.SenderID
	if msg.SenderName != "" {
		from = fmt.Sprintf("%s (%s)", msg.SenderName, msg.SenderID)
	}
	switch msg.Type {
	case models.TypeText:
		fmt.Fprintf(out, "[%s] %s: %s\n", msg.ID, from, msg.Content)
	case models.TypeSOS:
		fmt.Fprintf(out, "[%s] SOS from %s: %s\n", msg.ID, from, msg.Content)
	case models.TypeLocationUpdate:
		if loc, err := models.DecodeLocation(msg.Content); err == nil {
			fmt.Fprintf(out, "location %s: %.5f,%.5f\n", from, loc.Latitude, loc.Longitude)
		}
	case models.TypeDeliveryReceipt:
		fmt.Fprintf(out, "delivered to %s\n", from)
	case models.TypeReadReceipt:
		fmt.Fprintf(out, "read by %s\n", from)
	}
}
