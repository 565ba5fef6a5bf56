package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/backkem/knxiot/pkg/config"
	"github.com/backkem/knxiot/pkg/device"
	"github.com/backkem/knxiot/pkg/oscore"
	"github.com/backkem/knxiot/pkg/transport"
)

func demoCmd() *cobra.Command {
	var (
		password       string
		devicePassword string
		payload        string
		requests       int
		dropRate       float64
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Pair two in-process devices over a pipe and exchange protected requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			pipe := transport.NewPipe()
			defer pipe.Close()

			client, err := demoDevice("00", config.DefaultPassword)
			if err != nil {
				return err
			}
			defer client.Close()
			dev, err := demoDevice("01", devicePassword)
			if err != nil {
				return err
			}
			defer dev.Close()

			clientNode, err := startDemoNode(client, pipe.Conn(0), nil)
			if err != nil {
				return err
			}
			defer clientNode.Stop()
			devNode, err := startDemoNode(dev, pipe.Conn(1), func(req *oscore.Message, _ net.Addr) (oscore.Code, []byte) {
				return oscore.CodeChanged, nil
			})
			if err != nil {
				return err
			}
			defer devNode.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), settings.SPAKE.Timeout)
			defer cancel()
			devAddr := pipe.Conn(0).PeerAddr()

			start := time.Now()
			res, err := clientNode.Pair(ctx, devAddr, []byte(password))
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			fmt.Fprintf(out, "handshake complete in %s: token %q, sender %x, recipient %x\n",
				time.Since(start).Round(time.Millisecond), res.RecordID, res.LocalID, res.PeerID)

			if err := showProtection(cmd, client, dev, payload); err != nil {
				return err
			}

			pipe.SetCondition(transport.NetworkCondition{DropRate: dropRate})
			var answered int
			for i := 0; i < requests; i++ {
				reqCtx, cancel := context.WithTimeout(cmd.Context(), 200*time.Millisecond)
				_, err := clientNode.Request(reqCtx, devAddr, oscore.CodePOST, []byte(payload))
				cancel()
				switch {
				case err == nil:
					answered++
				case errors.Is(err, context.DeadlineExceeded):
				default:
					return fmt.Errorf("request %d: %w", i, err)
				}
			}
			fmt.Fprintf(out, "%s of %s protected requests answered\n",
				humanize.Comma(int64(answered)), humanize.Comma(int64(requests)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&password, "password", config.DefaultPassword, "password the client pairs with")
	f.StringVar(&devicePassword, "device-password", config.DefaultPassword, "password of the device")
	f.StringVar(&payload, "payload", "switch on", "request payload")
	f.IntVar(&requests, "requests", 10, "number of requests after pairing")
	f.Float64Var(&dropRate, "drop", 0, "probability of losing a datagram after pairing")
	return cmd
}

// showProtection walks one request through protection, verification and a
// replay attempt.
func showProtection(cmd *cobra.Command, client, dev *device.Device, payload string) error {
	out := cmd.OutOrStdout()
	req := &oscore.Message{
		Type:      oscore.TypeCON,
		Code:      oscore.CodePUT,
		MessageID: 0x7001,
		Token:     []byte{0xd0},
		Payload:   []byte(payload),
	}
	protected, err := client.Encrypt(req, oscore.Endpoint{Addr: "demo", OSCOREID: client.ID()})
	if err != nil {
		return err
	}
	opt, err := oscore.ParseOption(protected.OSCORE)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "request %v %q protected as %v\n", req.Code, payload, protected.Code)
	fmt.Fprintf(out, "  oscore option %x (piv %x, kid %x)\n", protected.OSCORE, opt.PIV, opt.KID)
	fmt.Fprintf(out, "  ciphertext    %x (%s overhead)\n", protected.Payload,
		humanize.Bytes(uint64(len(protected.Payload)-len(payload))))

	plain, err := dev.Decrypt(protected, oscore.Endpoint{Addr: "demo"})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  verified      %v %q\n", plain.Code, plain.Payload)

	_, err = dev.Decrypt(protected, oscore.Endpoint{Addr: "demo"})
	fmt.Fprintf(out, "  replayed      %v (answered %v)\n", err, oscore.OutwardCode(err))
	return nil
}

func demoDevice(id, password string) (*device.Device, error) {
	s := settings
	s.Device.ID = id
	s.SPAKE.Password = password
	s.Storage = config.StorageConfig{Backend: config.BackendMemory}
	return device.New(device.Config{Settings: s, LoggerFactory: loggerFactory})
}

func startDemoNode(d *device.Device, conn net.PacketConn, h device.RequestHandler) (*device.Node, error) {
	n, err := device.NewNode(device.NodeConfig{Device: d, Conn: conn, Handler: h, LoggerFactory: loggerFactory})
	if err != nil {
		return nil, err
	}
	return n, n.Start()
}
