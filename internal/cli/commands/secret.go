// fleet secret: manage host and shared secrets.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/secrets"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/pprint"
)

func NewSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage host and shared secrets",
		Long: `Secrets are stored encrypted for the hosts that own them. Managed secrets
are produced by generators declared in the catalog and kept current by
"fleet secret regenerate"; unmanaged secrets are added by hand.`,
	}

	cmd.AddCommand(
		newSecretAddCmd(),
		newSecretAddSharedCmd(),
		newSecretReadCmd(),
		newSecretReadSharedCmd(),
		newSecretUpdateSharedCmd(),
		newSecretRegenerateCmd(),
		newSecretListCmd(),
		newSecretEditCmd(),
		newSecretForceKeysCmd(),
	)
	return cmd
}

// materialFlags are the content flags shared by add and add-shared.
type materialFlags struct {
	public     string
	publicFile string
	publicPart string
	part       string
	expiresAt  string
}

func (f *materialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.public, "public", "", "Public part content")
	cmd.Flags().StringVar(&f.publicFile, "public-file", "", "Load the public part from a file")
	cmd.Flags().StringVarP(&f.publicPart, "public-part", "p", secrets.DefaultPublicPart, "Name of the public part")
	cmd.Flags().StringVarP(&f.part, "part", "s", secrets.DefaultPrivatePart, "Name of the private part")
	cmd.Flags().StringVar(&f.expiresAt, "expires-at", "", "Expiry time (RFC 3339)")
}

// material reads the private part from stdin unless it is a terminal.
func (f *materialFlags) material(stdin *os.File) (secrets.Material, error) {
	const op = "cli.secret.material"
	mat := secrets.Material{PartName: f.part, PublicName: f.publicPart}

	switch {
	case f.public != "" && f.publicFile != "":
		return mat, errs.Newf(errs.ErrUsage, op, "--public and --public-file are mutually exclusive")
	case f.public != "":
		mat.Public = []byte(f.public)
	case f.publicFile != "":
		data, err := os.ReadFile(f.publicFile)
		if err != nil {
			return mat, errs.Wrap(err, errs.ErrUsage, op)
		}
		mat.Public = data
	}

	if f.expiresAt != "" {
		at, err := time.Parse(time.RFC3339, f.expiresAt)
		if err != nil {
			return mat, errs.Wrap(err, errs.ErrUsage, op).WithAdvice("use RFC 3339, e.g. 2027-01-01T00:00:00Z")
		}
		at = at.UTC()
		mat.ExpiresAt = &at
	}

	if !term.IsTerminal(int(stdin.Fd())) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return mat, fmt.Errorf("read stdin: %w", err)
		}
		mat.Secret = data
	}
	return mat, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Host secrets
// ─────────────────────────────────────────────────────────────────────────────

func newSecretAddCmd() *cobra.Command {
	var machine string
	var replace, merge bool
	var mf materialFlags

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a host secret, the private part is read from stdin",
		Args:  cobra.ExactArgs(1),
		Example: `  wg genkey | fleet secret add wg-key -m web-1 --public "$(cat pub)"
  fleet secret add api -m web-1 --merge -s token < token.txt`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			mat, err := mf.material(os.Stdin)
			if err != nil {
				return err
			}
			err = rt.Secrets().AddHostSecret(cmd.Context(), machine, args[0], secrets.AddOptions{
				Material: mat,
				Replace:  replace,
				Merge:    merge,
			})
			if err != nil {
				return err
			}
			pprint.Success("Secret %q stored for %s", args[0], machine)
			return nil
		},
	}

	cmd.Flags().StringVarP(&machine, "machine", "m", "", "Owner host")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the secret if already present")
	cmd.Flags().BoolVar(&merge, "merge", false, "Add new parts to the existing secret")
	mf.register(cmd)
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func newSecretReadCmd() *cobra.Command {
	var machine, part string

	cmd := &cobra.Command{
		Use:          "read <name>",
		Short:        "Print a host secret part, decrypted on the host (requires sudo there)",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			plain, err := rt.Secrets().ReadHostSecret(cmd.Context(), machine, args[0], part)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(plain)
			return err
		},
	}

	cmd.Flags().StringVarP(&machine, "machine", "m", "", "Owner host")
	cmd.Flags().StringVarP(&part, "part", "p", secrets.DefaultPrivatePart, "Part to read")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func newSecretEditCmd() *cobra.Command {
	var machine, part string
	var add bool

	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Edit a host secret part in $EDITOR",
		Args:  cobra.ExactArgs(1),
		Example: `  fleet secret edit api -m web-1
  fleet secret edit api -m web-1 -p extra --add`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			name := args[0]
			header := commentHeader(fmt.Sprintf("Editing part %q of secret %q on %s", part, name, machine))

			changed, err := rt.Secrets().EditHostSecret(cmd.Context(), machine, name, part, add,
				func(current []byte) ([]byte, error) {
					return editInteractively(current, header)
				})
			if err != nil {
				return err
			}
			if !changed {
				pprint.Info("Secret unchanged")
				return nil
			}
			pprint.Success("Part %q of %q updated", part, name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&machine, "machine", "m", "", "Owner host")
	cmd.Flags().StringVarP(&part, "part", "p", secrets.DefaultPrivatePart, "Part to edit")
	cmd.Flags().BoolVar(&add, "add", false, "Create the part if it does not exist")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared secrets
// ─────────────────────────────────────────────────────────────────────────────

func newSecretAddSharedCmd() *cobra.Command {
	var machines []string
	var force, reAdd bool
	var mf materialFlags

	cmd := &cobra.Command{
		Use:   "add-shared <name>",
		Short: "Add a shared secret, the private part is read from stdin",
		Args:  cobra.ExactArgs(1),
		Example: `  fleet secret add-shared wg-psk -m web-1 -m web-2 < psk
  fleet secret add-shared wg-psk --re-add < new-psk`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			mat, err := mf.material(os.Stdin)
			if err != nil {
				return err
			}
			err = rt.Secrets().AddSharedSecret(cmd.Context(), args[0], secrets.AddSharedOptions{
				Material: mat,
				Machines: machines,
				Force:    force,
				ReAdd:    reAdd,
			})
			if err != nil {
				return err
			}
			pprint.Success("Shared secret %q stored", args[0])
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&machines, "machines", "m", nil, "Owner hosts")
	cmd.Flags().BoolVar(&force, "force", false, "Override the secret if already present")
	cmd.Flags().BoolVar(&reAdd, "re-add", false, "Replace the value of an existing secret, keeping its owners")
	mf.register(cmd)
	return cmd
}

func newSecretReadSharedCmd() *cobra.Command {
	var part string
	var prefer []string

	cmd := &cobra.Command{
		Use:          "read-shared <name>",
		Short:        "Print a shared secret part, decrypted on one of its owners",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			plain, err := rt.Secrets().ReadSharedSecret(cmd.Context(), args[0], part, prefer)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(plain)
			return err
		},
	}

	cmd.Flags().StringVarP(&part, "part", "p", secrets.DefaultPrivatePart, "Part to read")
	cmd.Flags().StringSliceVar(&prefer, "prefer-identities", nil, "Owners to try first for decryption")
	return cmd
}

func newSecretUpdateSharedCmd() *cobra.Command {
	var edit secrets.OwnerEdit
	var prefer []string

	cmd := &cobra.Command{
		Use:   "update-shared <name>",
		Short: "Change the owners of a shared secret",
		Args:  cobra.ExactArgs(1),
		Example: `  fleet secret update-shared wg-psk --add-machine web-3
  fleet secret update-shared wg-psk --remove-machine web-1
  fleet secret update-shared wg-psk -m web-2 -m web-3`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			m := rt.Secrets()
			if len(prefer) > 0 {
				m.PreferIdentities = prefer
			}
			owners, err := m.UpdateSharedOwners(cmd.Context(), args[0], edit)
			if err != nil {
				return err
			}
			if len(owners) == 0 {
				pprint.Success("No owners left, %q removed", args[0])
				return nil
			}
			pprint.Success("%q is owned by %s", args[0], strings.Join(owners.Sorted(), ", "))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&edit.Machines, "machines", "m", nil, "Full owner list")
	cmd.Flags().StringSliceVar(&edit.Add, "add-machine", nil, "Owners to add")
	cmd.Flags().StringSliceVar(&edit.Remove, "remove-machine", nil, "Owners to remove")
	cmd.Flags().StringSliceVar(&prefer, "prefer-identities", nil, "Owners to try first for decryption")
	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List shared secrets and their owners",
		Long:         "Owners the catalog expects are green, stale owners red, missing owners are listed separately.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			list, err := rt.Secrets().ListShared()
			if err != nil {
				return err
			}
			if rt.Flags.JSONOutput {
				return json.NewEncoder(os.Stdout).Encode(sharedJSON(list))
			}

			t := pprint.NewTable("NAME", "MANAGED", "OWNERS", "MISSING", "STATUS")
			for _, s := range list {
				missing := strings.Join(s.Expected.Difference(s.Owners).Sorted(), ", ")
				t.AddRow(s.Name, yesNo(s.Managed), colorOwners(s.Owners, s.Expected), missing, sharedState(s))
			}
			t.Render()
			return nil
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fleet-wide
// ─────────────────────────────────────────────────────────────────────────────

func newSecretRegenerateCmd() *cobra.Command {
	var prefer []string
	var skipHosts bool

	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Generate missing and outdated secrets, remove undeclared ones",
		Example: `  fleet secret regenerate
  fleet secret regenerate --skip-hosts --prefer-identities web-1`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			var hosts []string
			if !skipHosts {
				var err error
				if hosts, err = rt.SelectedHosts(); err != nil {
					return err
				}
			}
			m := rt.Secrets()
			if len(prefer) > 0 {
				m.PreferIdentities = prefer
			}

			sp := pprint.NewSpinner("Reconciling secrets")
			sp.Start()
			res, err := m.Reconcile(cmd.Context(), hosts)
			sp.Stop(err == nil && res.Failed == 0)
			if err != nil {
				return err
			}

			if rt.Flags.JSONOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]int{
					"generated":   res.Generated,
					"reencrypted": res.Reencrypted,
					"removed":     res.Removed,
					"failed":      res.Failed,
				})
			}
			pprint.KV("Generated", fmt.Sprint(res.Generated))
			pprint.KV("Re-encrypted", fmt.Sprint(res.Reencrypted))
			pprint.KV("Removed", fmt.Sprint(res.Removed))
			if res.Failed > 0 {
				pprint.Warn("%d secret(s) failed, see the log for details", res.Failed)
			} else if !res.Changed() {
				pprint.Success("All secrets are up to date")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&prefer, "prefer-identities", nil, "Owners to try first when re-encrypting")
	cmd.Flags().BoolVar(&skipHosts, "skip-hosts", false, "Only reconcile shared secrets")
	return cmd
}

func newSecretForceKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "force-keys",
		Short:        "Fetch and record the host key of every selected host",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			hosts, err := rt.SelectedHosts()
			if err != nil {
				return err
			}
			records, err := rt.Secrets().ForceKeys(cmd.Context(), hosts)
			for _, rec := range records {
				pprint.Success("%s: %s", rec.Host, rec.Key)
			}
			return err
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type sharedStatusJSON struct {
	Name     string     `json:"name"`
	Stored   bool       `json:"stored"`
	Declared bool       `json:"declared"`
	Managed  bool       `json:"managed"`
	Owners   v1.NameSet `json:"owners"`
	Expected v1.NameSet `json:"expected_owners"`
	Status   string     `json:"status"`
}

func sharedJSON(list []secrets.SharedStatus) []sharedStatusJSON {
	out := make([]sharedStatusJSON, len(list))
	for i, s := range list {
		out[i] = sharedStatusJSON{
			Name:     s.Name,
			Stored:   s.Stored,
			Declared: s.Declared,
			Managed:  s.Managed,
			Owners:   s.Owners,
			Expected: s.Expected,
			Status:   sharedState(s),
		}
	}
	return out
}

func sharedState(s secrets.SharedStatus) string {
	switch {
	case !s.Stored:
		return "missing"
	case !s.Declared:
		return "undeclared"
	case s.Reason != nil:
		return s.Reason.String()
	default:
		return "ok"
	}
}

func colorOwners(owners, expected v1.NameSet) string {
	out := make([]string, 0, len(owners))
	for _, o := range owners.Sorted() {
		if expected.Has(o) {
			out = append(out, pprint.StyleSuccess.Render(o))
		} else {
			out = append(out, pprint.StyleError.Render(o))
		}
	}
	return strings.Join(out, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
