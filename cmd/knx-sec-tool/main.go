// knx-sec-tool inspects and exercises the security state of a KNX-IoT
// device: the access-token table, OSCORE key derivation and SPAKE2+
// handshakes.
//
// Usage:
//
//	knx-sec-tool [--config file] [--storage backend --storage-path path] <command>
//
// Commands:
//
//	tokens list|add|delete|reset  Administer the access-token table
//	derive                        Print the OSCORE keys of a record or of raw material
//	demo                          Pair two in-process devices and exchange protected requests
//	serve                         Run a device that answers handshakes and requests over UDP
//	pair                          Run a handshake with a remote device
//	request                       Send a protected request with a stored credential
//	config                        Print the effective configuration
//
// Example:
//
//	knx-sec-tool --storage file --storage-path ./dev serve --listen :5683
//	knx-sec-tool --device-id 00 --storage file --storage-path ./ctl pair --addr 127.0.0.1:5683
//	knx-sec-tool --device-id 00 --storage file --storage-path ./ctl request --addr 127.0.0.1:5683 --payload on
package main

import (
	"os"

	"github.com/backkem/knxiot/cmd/knx-sec-tool/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
