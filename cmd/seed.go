package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/model"
)

// seedFile is the layout of a seed file:
//
//	codes:
//	  - 8542.31.00
//	  - "7326908500"
type seedFile struct {
	Codes []string `yaml:"codes"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register codes so the MFN sync tracks them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "seed: open file")
		}
		defer f.Close() //nolint:errcheck

		codes, err := parseSeed(f)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		created, err := env.Store.Ensure(ctx, codes)
		if err != nil {
			return eris.Wrap(err, "seed")
		}

		fmt.Fprintf(os.Stderr, "Seeded %d codes (%d new).\n", len(codes), created)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "codes.yaml", "YAML file with a codes list")
	rootCmd.AddCommand(seedCmd)
}

// parseSeed decodes a seed file and returns its normalized, de-duplicated
// codes. Any invalid code fails the whole file.
func parseSeed(r io.Reader) ([]string, error) {
	var sf seedFile
	if err := yaml.NewDecoder(r).Decode(&sf); err != nil {
		return nil, eris.Wrap(err, "seed: decode yaml")
	}

	seen := make(map[string]bool, len(sf.Codes))
	codes := make([]string, 0, len(sf.Codes))
	for _, raw := range sf.Codes {
		code := model.NormalizeCode(raw)
		if code == "" {
			return nil, eris.Errorf("seed: invalid code %q", raw)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, eris.New("seed: no codes in file")
	}
	return codes, nil
}
