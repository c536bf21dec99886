package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/mini-colony/internal/factory"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

var decodeFile string

var decodeCmd = &cobra.Command{
	Use:   "decode [token]",
	Short: "Decode one persisted request record and report why it fails",
	Long:  "decode reads a record from the database by token, or from --file (- for stdin), and decodes it with the registered payload and location factories.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case decodeFile == "-":
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			raw = b
		case decodeFile != "":
			b, err := os.ReadFile(decodeFile)
			if err != nil {
				return err
			}
			raw = b
		case len(args) == 1:
			t, err := token.Parse(args[0])
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if raw, err = db.RawRequest(t); err != nil {
				return err
			}
		default:
			return errors.New("need a token or --file")
		}

		r, err := request.DefaultCodec().Decode(raw)
		if err != nil {
			return explain(cmd.OutOrStdout(), err)
		}
		out := map[string]any{
			"token":      r.ID.String(),
			"requester":  r.RequesterID.String(),
			"state":      r.State.String(),
			"payload":    r.Payload.Describe(),
			"location":   fmt.Sprint(r.RequesterLocation),
			"children":   len(r.Children),
			"created_at": r.CreatedTick,
		}
		if r.ResolverID != nil {
			out["resolver"] = r.ResolverID.String()
		}
		if r.Parent != nil {
			out["parent"] = r.Parent.String()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeFile, "file", "", "read the record from a file instead of the database")
	rootCmd.AddCommand(decodeCmd)
}

// explain prints what kind of decode failure err is.
func explain(w io.Writer, err error) error {
	var unknown *factory.UnknownTagError
	var bad *factory.DecodeError
	switch {
	case errors.As(err, &unknown):
		fmt.Fprintf(w, "unknown %s type %q: no factory registered for it\n", unknown.Family, unknown.Tag)
	case errors.As(err, &bad):
		fmt.Fprintf(w, "%s %q did not decode: %v\n", bad.Family, bad.Tag, bad.Err)
	case errors.Is(err, request.ErrMalformed):
		fmt.Fprintf(w, "malformed record: %v\n", err)
	}
	return err
}
