// Command soradyne is the batch command-line tool for the capsule
// core: block store operations (write, read, distribution, loss
// simulation, continuity verification) and capsule management.
//
// Exit codes: 0 success, 1 fatal error, 2 partial success
// (reconstruction used with shards missing), 3 invalid configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/app"
	"github.com/dreamware/soradyne/internal/blockstore"
	"github.com/dreamware/soradyne/internal/erasure"
)

// Exit codes for batch use.
const (
	exitOK            = 0
	exitFatal         = 1
	exitPartial       = 2
	exitInvalidConfig = 3
)

// exitError carries an explicit exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		code := exitFatal
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		} else if errors.Is(err, blockstore.ErrConfiguration) || errors.Is(err, erasure.ErrConfiguration) {
			code = exitInvalidConfig
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}

// cliState wires the service lazily so config errors surface per
// command rather than at flag parse time.
type cliState struct {
	configPath string
	verbose    bool
	service    *app.Service
	log        *zap.Logger
}

func (s *cliState) open(ctx context.Context) (*app.Service, error) {
	if s.service != nil {
		return s.service, nil
	}
	logger := zap.NewNop()
	if s.verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}
	s.log = logger

	cfg, err := app.LoadConfig(s.configPath)
	if err != nil {
		return nil, &exitError{code: exitInvalidConfig, err: err}
	}
	service, err := app.Open(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		if errors.Is(err, blockstore.ErrConfiguration) || errors.Is(err, erasure.ErrConfiguration) {
			return nil, &exitError{code: exitInvalidConfig, err: err}
		}
		return nil, err
	}
	s.service = service
	return service, nil
}

func newRootCommand() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:           "soradyne",
		Short:         "Personal-media capsule core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", "path to soradyne.yaml")
	root.PersistentFlags().BoolVarP(&state.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(newStoreCommand(state))
	root.AddCommand(newCapsuleCommand(state))
	return root
}

func newStoreCommand(state *cliState) *cobra.Command {
	store := &cobra.Command{
		Use:   "store",
		Short: "Dissolution block store operations",
	}

	store.AddCommand(&cobra.Command{
		Use:   "write <file>",
		Short: "Dissolve a file into erasure-coded shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, err := service.BlockStore().WriteDirect(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Hex())
			return nil
		},
	})

	var outPath string
	read := &cobra.Command{
		Use:   "read <block-id>",
		Short: "Reconstruct a block from available shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			id, err := blockstore.ParseBlockID(args[0])
			if err != nil {
				return err
			}
			dist, err := service.BlockStore().Distribution(id)
			if err != nil {
				return err
			}
			data, err := service.BlockStore().Read(cmd.Context(), id)
			if err != nil {
				if uc, ok := erasure.IsUndercommitted(err); ok {
					return errors.Errorf(
						"block unrecoverable: %d of %d required shards present, missing indices %v",
						uc.Have, uc.Need, uc.Missing)
				}
				return err
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return err
				}
			} else {
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			}
			if len(dist.Missing) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(),
					"reconstructed with %d shards missing (%v)\n", len(dist.Missing), dist.Missing)
				return &exitError{code: exitPartial, err: errors.New("partial: reconstruction used")}
			}
			return nil
		},
	}
	read.Flags().StringVarP(&outPath, "output", "o", "", "write payload to file instead of stdout")
	store.AddCommand(read)

	store.AddCommand(&cobra.Command{
		Use:   "distribution <block-id>",
		Short: "Show shard availability for a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			id, err := blockstore.ParseBlockID(args[0])
			if err != nil {
				return err
			}
			dist, err := service.BlockStore().Distribution(id)
			if err != nil {
				return err
			}
			return printJSON(cmd, dist)
		},
	})

	var missingSpec string
	simulate := &cobra.Command{
		Use:   "simulate <block-id>",
		Short: "Exercise reconstruction with shards treated as missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			id, err := blockstore.ParseBlockID(args[0])
			if err != nil {
				return err
			}
			missing, err := parseIndices(missingSpec)
			if err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			result, err := service.BlockStore().SimulateLoss(cmd.Context(), id, missing)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if !result.RecoverySuccessful {
				return &exitError{code: exitPartial, err: errors.New("recovery would fail with those shards missing")}
			}
			return nil
		},
	}
	simulate.Flags().StringVarP(&missingSpec, "missing", "m", "", "comma-separated shard indices to treat as missing")
	store.AddCommand(simulate)

	store.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			for _, meta := range service.BlockStore().Metadata().List() {
				kind := "direct"
				if !meta.IsDirect() {
					kind = "indirect"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %10s  v%d  %s\n",
					meta.ID.Hex(), kind,
					datasize.ByteSize(meta.Size).HumanReadable(),
					meta.EncryptionVersion,
					meta.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	store.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Probe volumes and report storage status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			status, err := service.StorageStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(status))
			return nil
		},
	})

	store.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify volume fingerprint continuity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			if err := service.BlockStore().VerifyContinuity(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all volumes passed the continuity check")
			return nil
		},
	})

	return store
}

func newCapsuleCommand(state *cliState) *cobra.Command {
	capsuleCmd := &cobra.Command{
		Use:   "capsule",
		Short: "Capsule management",
	}

	capsuleCmd.AddCommand(&cobra.Command{
		Use:   "create <label>",
		Short: "Create a capsule with this device as founder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			bridge := app.NewPairingBridge(service.Identity(), service.Capsules(), nil, state.log)
			id, err := bridge.CreateCapsule(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	})

	capsuleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted capsules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := state.open(cmd.Context())
			if err != nil {
				return err
			}
			defer service.Close() //nolint:errcheck

			capsules, err := service.Capsules().List()
			if err != nil {
				return err
			}
			for _, c := range capsules {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s  %d pieces  %d flows\n",
					c.ID, c.Label, len(c.Pieces), len(c.Flows))
			}
			return nil
		},
	})

	return capsuleCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func parseIndices(spec string) ([]int, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "bad shard index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
