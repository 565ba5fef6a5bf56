package commands

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/backkem/knxiot/pkg/auth"
)

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Administer the access-token table",
	}
	cmd.AddCommand(tokensListCmd(), tokensAddCmd(), tokensDeleteCmd(), tokensResetCmd())
	return cmd
}

func tokensListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the occupied slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()

			table := d.Table()
			entries := table.Records()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tID\tPROFILE\tSCOPE\tSENDER\tRECIPIENT\tCONTEXT\tGROUPS")
			for _, e := range entries {
				r := e.Record
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Index, r.ID, r.Profile, r.Scope,
					hexOrDash(r.SenderID), hexOrDash(r.RecipientID), hexOrDash(r.ContextID),
					groups(r.GroupAddresses))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s of %s slots used\n",
				humanize.Comma(int64(len(entries))), humanize.Comma(int64(table.Capacity())))
			return nil
		},
	}
}

func tokensAddCmd() *cobra.Command {
	var (
		id, secret, sender, recipient, contextID, scope string
		groupAddrs                                       []uint
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace an OSCORE access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := &auth.Record{ID: id, Profile: auth.ProfileCoAPOSCORE}
			var err error
			if rec.Scope, err = auth.ParseScope(scope); err != nil {
				return err
			}
			fields := []struct {
				name string
				text string
				dst  *[]byte
			}{
				{"secret", secret, &rec.MasterSecret},
				{"sender", sender, &rec.SenderID},
				{"recipient", recipient, &rec.RecipientID},
				{"context", contextID, &rec.ContextID},
			}
			for _, f := range fields {
				if f.text == "" {
					continue
				}
				if *f.dst, err = hex.DecodeString(f.text); err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
			}
			for _, ga := range groupAddrs {
				rec.GroupAddresses = append(rec.GroupAddresses, uint32(ga))
			}

			d, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()
			slot, err := d.Table().Put(rec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %q in slot %d\n", id, slot)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "token id")
	f.StringVar(&secret, "secret", "", "hex master secret (16 bytes)")
	f.StringVar(&sender, "sender", "", "hex sender id")
	f.StringVar(&recipient, "recipient", "", "hex recipient id")
	f.StringVar(&contextID, "context", "", "hex id context")
	f.StringVar(&scope, "scope", "if.sec|if.d|if.p|if.c", "interfaces, separated by | or ,")
	f.UintSliceVar(&groupAddrs, "group", nil, "group address (repeatable)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func tokensDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete the token with the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Table().Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
			return nil
		},
	}
}

func tokensResetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear unprotected tokens, or every token with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice()
			if err != nil {
				return err
			}
			defer d.Close()
			code := auth.ResetUnprotected
			if all {
				code = auth.ResetAll
			}
			n := d.Reset(code)
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d tokens\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also clear protected tokens and handshake parameters")
	return cmd
}

func hexOrDash(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return hex.EncodeToString(b)
}

func groups(gas []uint32) string {
	if len(gas) == 0 {
		return "-"
	}
	out := ""
	for i, ga := range gas {
		if i > 0 {
			out += ","
		}
		out += "0x" + strconv.FormatUint(uint64(ga), 16)
	}
	return out
}
