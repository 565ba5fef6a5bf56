package commands

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/backkem/knxiot/pkg/auth"
	"github.com/backkem/knxiot/pkg/oscore"
)

func deriveCmd() *cobra.Command {
	var (
		recordID                               string
		secret, salt, sender, recipient, idCtx string
	)
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the OSCORE sender key, recipient key and common IV",
		Long: "Derive from a stored token with --record, or from raw hex material.\n" +
			"The output contains key material; only use it for debugging.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p oscore.Params
			if recordID != "" {
				rec, err := storedRecord(recordID)
				if err != nil {
					return err
				}
				defer rec.Wipe()
				p = oscore.Params{
					MasterSecret: rec.MasterSecret,
					SenderID:     rec.SenderID,
					RecipientID:  rec.RecipientID,
					ContextID:    rec.ContextID,
				}
			} else {
				fields := []struct {
					name string
					text string
					dst  *[]byte
				}{
					{"secret", secret, &p.MasterSecret},
					{"salt", salt, &p.MasterSalt},
					{"sender", sender, &p.SenderID},
					{"recipient", recipient, &p.RecipientID},
					{"context", idCtx, &p.ContextID},
				}
				for _, f := range fields {
					if f.text == "" {
						continue
					}
					b, err := hex.DecodeString(f.text)
					if err != nil {
						return fmt.Errorf("--%s: %w", f.name, err)
					}
					*f.dst = b
				}
				if len(p.MasterSecret) == 0 {
					return errors.New("either --record or --secret is required")
				}
			}

			keys, err := oscore.DeriveKeys(p)
			if err != nil {
				return err
			}
			defer keys.Wipe()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sender id:     %s\n", hexOrDash(p.SenderID))
			fmt.Fprintf(out, "recipient id:  %s\n", hexOrDash(p.RecipientID))
			fmt.Fprintf(out, "id context:    %s\n", hexOrDash(p.ContextID))
			fmt.Fprintf(out, "sender key:    %x\n", keys.SenderKey)
			fmt.Fprintf(out, "recipient key: %x\n", keys.RecipientKey)
			fmt.Fprintf(out, "common iv:     %x\n", keys.CommonIV)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&recordID, "record", "", "derive from the stored token with this id")
	f.StringVar(&secret, "secret", "", "hex master secret")
	f.StringVar(&salt, "salt", "", "hex master salt")
	f.StringVar(&sender, "sender", "", "hex sender id")
	f.StringVar(&recipient, "recipient", "", "hex recipient id")
	f.StringVar(&idCtx, "context", "", "hex id context")
	cmd.MarkFlagsMutuallyExclusive("record", "secret")
	return cmd
}

// storedRecord returns a copy of the token with the given id.
func storedRecord(id string) (*auth.Record, error) {
	d, err := openDevice()
	if err != nil {
		return nil, err
	}
	defer d.Close()
	idx, ok := d.Table().Find(id)
	if !ok {
		return nil, fmt.Errorf("no token with id %q", id)
	}
	rec, ok := d.Table().Get(idx)
	if !ok {
		return nil, fmt.Errorf("no token with id %q", id)
	}
	return rec, nil
}
