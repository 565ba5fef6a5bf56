package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/device"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/spake"
	"github.com/backkem/knxiot/pkg/transport"
)

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer handshakes and protected requests over UDP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			d, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			d.OnHandshakeComplete(func(r spake.Result) {
				if r.Err != nil {
					fmt.Fprintf(out, "handshake with %s failed: %v\n", r.Peer, r.Err)
					return
				}
				fmt.Fprintf(out, "paired with %s, token %q\n", r.Peer, r.RecordID)
			})

			node, err := device.NewNode(device.NodeConfig{
				Device:     d,
				ListenAddr: listen,
				Handler: func(req *oscore.Message, from net.Addr) (oscore.Code, []byte) {
					fmt.Fprintf(out, "%v %v %q\n", from, req.Code, req.Payload)
					return oscore.CodeContent, req.Payload
				},
				LoggerFactory: loggerFactory,
			})
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, _ := settings.DeviceID()
			fmt.Fprintf(out, "device %x listening on %s with %d of %d tokens\n",
				id, node.Addr(), d.Table().Len(), d.Table().Capacity())
			<-ctx.Done()

			fmt.Fprintln(out, "shutting down")
			return node.Stop()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", fmt.Sprintf(":%d", transport.DefaultPort), "UDP listen address")
	return cmd
}

func pairCmd() *cobra.Command {
	var (
		addr     string
		password string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Run a handshake with a remote device and store the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, timeout, func(ctx context.Context, node *device.Node, peer net.Addr) error {
				res, err := node.Pair(ctx, peer, []byte(password))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "paired with %s, token %q (sender %x, recipient %x)\n",
					peer, res.RecordID, res.LocalID, res.PeerID)
				if settings.Storage.Backend == config.BackendMemory {
					fmt.Fprintln(cmd.OutOrStdout(), "note: memory storage, the credential is lost on exit")
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "device UDP address (host:port)")
	f.StringVar(&password, "password", config.DefaultPassword, "device password")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "handshake timeout")
	cmd.MarkFlagRequired("addr")
	return cmd
}

func requestCmd() *cobra.Command {
	var (
		addr    string
		method  string
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send a protected request using a stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseMethod(method)
			if err != nil {
				return err
			}
			return withClient(cmd, addr, timeout, func(ctx context.Context, node *device.Node, peer net.Addr) error {
				resp, err := node.Request(ctx, peer, code, []byte(payload))
				if errors.Is(err, oscore.ErrNoDestination) {
					return fmt.Errorf("%w: run pair with persistent storage first", err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v %q\n", resp.Code, resp.Payload)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "device UDP address (host:port)")
	f.StringVar(&method, "method", "post", "get, post, put, delete or fetch")
	f.StringVar(&payload, "payload", "", "request payload")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "response timeout")
	cmd.MarkFlagRequired("addr")
	return cmd
}

// withClient runs fn with a started node on an ephemeral UDP port.
func withClient(cmd *cobra.Command, addr string, timeout time.Duration, fn func(context.Context, *device.Node, net.Addr) error) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close()

	node, err := device.NewNode(device.NodeConfig{Device: d, ListenAddr: ":0", LoggerFactory: loggerFactory})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, node, peer)
}

func parseMethod(name string) (oscore.Code, error) {
	switch strings.ToLower(name) {
	case "get":
		return oscore.CodeGET, nil
	case "post":
		return oscore.CodePOST, nil
	case "put":
		return oscore.CodePUT, nil
	case "delete":
		return oscore.CodeDELETE, nil
	case "fetch":
		return oscore.CodeFETCH, nil
	default:
		return 0, fmt.Errorf("unknown method %q", name)
	}
}
