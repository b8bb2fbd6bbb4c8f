package cli

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/and161185/harvester/internal/crypto"
	"github.com/and161185/harvester/internal/errs"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Passphrase bool
	Salt       string
}

type encryptionSnippet struct {
	Encryption struct {
		Key  string `yaml:"key,omitempty"`
		Salt string `yaml:"salt,omitempty"`
	} `yaml:"encryption"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption master key",
		Long: `Print a config snippet with a random base64 master key.

With --passphrase the key is derived (argon2id) from a prompted passphrase and
a salt; the snippet then holds the salt and the passphrase goes into
encryption.passphrase or HARVESTER_ENCRYPTION_PASSPHRASE.

Example:
  harvester keygen >> ~/.config/harvester/config.yaml
  harvester keygen --passphrase --salt <base64>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return keygen(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&opts.Passphrase, "passphrase", false, "derive the key from a prompted passphrase")
	cmd.Flags().StringVar(&opts.Salt, "salt", "", "base64 salt to reuse (default: random)")

	return cmd
}

func keygen(opts *KeygenOptions, out, diag io.Writer) error {
	var snippet encryptionSnippet

	if !opts.Passphrase {
		key, err := crypto.NewMasterKey()
		if err != nil {
			return err
		}
		snippet.Encryption.Key = crypto.EncodeKey(key)
		return yaml.NewEncoder(out).Encode(snippet)
	}

	salt, err := resolveSalt(opts.Salt)
	if err != nil {
		return err
	}
	pass, err := promptPassphrase(diag)
	if err != nil {
		return err
	}
	key := crypto.DeriveMasterKey(pass, salt)
	clear(pass)

	snippet.Encryption.Salt = base64.StdEncoding.EncodeToString(salt)
	if err := yaml.NewEncoder(out).Encode(snippet); err != nil {
		return err
	}
	fmt.Fprintf(diag, "derived key: %s\n", crypto.EncodeKey(key))
	return nil
}

func resolveSalt(s string) ([]byte, error) {
	if s == "" {
		return crypto.RandBytes(crypto.SaltLen)
	}
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(salt) < 8 {
		return nil, fmt.Errorf("%w: --salt must be base64 of at least 8 bytes", errs.ErrValidation)
	}
	return salt, nil
}

func promptPassphrase(w io.Writer) ([]byte, error) {
	fd := int(os.Stdin.Fd())

	fmt.Fprint(w, "Passphrase: ")
	first, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", errs.ErrValidation)
	}

	fmt.Fprint(w, "Repeat passphrase: ")
	second, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	defer clear(second)
	if !bytes.Equal(first, second) {
		clear(first)
		return nil, fmt.Errorf("%w: passphrases do not match", errs.ErrValidation)
	}
	return first, nil
}
