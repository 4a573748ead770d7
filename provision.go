package main

import (
	"context"
	"fmt"
	"os"

	"ctf-scoring/challenge"
	"ctf-scoring/config"
	"ctf-scoring/ledger"
	"ctf-scoring/logger"
	"ctf-scoring/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type provisionOptions struct {
	*rootOptions
	Root     string
	Manifest string
}

// Manifest lists challenges to write beneath the challenge root and,
// optionally, accounts to create in the ledger.
type Manifest struct {
	Challenges []ManifestChallenge `yaml:"challenges"`
	Users      []models.User       `yaml:"users"`
}

type ManifestChallenge struct {
	Name string `yaml:"name"`
	Flag string `yaml:"flag"`
}

func newProvisionCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &provisionOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "provision [<name> <flag>]",
		Short: "Store flag digests for challenges",
		Long: `Store the SHA3-512 digest of each challenge flag beneath the challenge
root, creating challenge directories as needed.

Either pass a single challenge as <name> <flag>, or a YAML manifest:

  challenges:
    - name: crypto-500-warmup
      flag: CTF{...}
  users:
    - id: 1
      username: alice

Users in the manifest are created in the configured ledger if missing.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected <name> <flag> or --manifest, got %d argument(s)", len(args))
			}
			if len(args) == 0 && opts.Manifest == "" {
				return fmt.Errorf("nothing to provision: pass <name> <flag> or --manifest")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			m := &Manifest{}
			if opts.Manifest != "" {
				var err error
				if m, err = loadManifest(opts.Manifest); err != nil {
					return err
				}
			}
			if len(args) == 2 {
				m.Challenges = append(m.Challenges, ManifestChallenge{Name: args[0], Flag: args[1]})
			}
			return runProvision(cmd.Context(), opts, m, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Root, "root", "", "challenge root (default: challenges.root from config)")
	cmd.Flags().StringVarP(&opts.Manifest, "manifest", "m", "", "YAML manifest of challenges and users")

	return cmd
}

func loadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for i, c := range m.Challenges {
		if c.Name == "" || c.Flag == "" {
			return nil, fmt.Errorf("manifest challenge %d: name and flag are required", i)
		}
	}
	for i, u := range m.Users {
		if u.ID <= 0 || u.Username == "" {
			return nil, fmt.Errorf("manifest user %d: id and username are required", i)
		}
	}
	return m, nil
}

func runProvision(ctx context.Context, opts *provisionOptions, m *Manifest, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer l.Sync()

	root := opts.Root
	if root == "" {
		root = cfg.Challenges.Root
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create challenge root: %w", err)
	}

	store, err := challenge.New(root, l)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, c := range m.Challenges {
		p, err := store.Provision(c.Name, c.Flag)
		if err != nil {
			return fmt.Errorf("provision %q: %w", c.Name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s\n", p.Name)
	}

	if len(m.Users) == 0 {
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	backend, closeFn, err := openBackend(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeFn()

	lg := ledger.New(backend, l)
	for _, u := range m.Users {
		if err := lg.EnsureUser(ctx, u); err != nil {
			return fmt.Errorf("create user %d: %w", u.ID, err)
		}
		l.Info("user ready", zap.Int64("user_id", u.ID), zap.String("username", u.Username))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ensured %d user(s)\n", len(m.Users))
	return nil
}
