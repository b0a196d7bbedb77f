package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/daalu-io/daalu/pkg/config"
	"github.com/daalu-io/daalu/pkg/stores"
)

const sampleConfig = `# daalu deployment configuration
environment: %s
max_parallel: 4

helm:
  timeout: 10m
  repositories:
    - name: cilium
      url: https://helm.cilium.io
    - name: prometheus-community
      url: https://prometheus-community.github.io/helm-charts

retry:
  default:
    max_attempts: 3
    backoff: exponential
    initial_delay: 5s
    max_delay: 1m

state:
  driver: sqlite
  dsn: %s

components:
  - id: cilium
    kind: helm
    namespace: kube-system
    chart:
      repo: cilium
      name: cilium
    values:
      kubeProxyReplacement: true

  - id: monitoring
    kind: helm
    depends_on: [cilium]
    namespace: monitoring
    release: kube-prometheus-stack
    wait: true
    chart:
      repo: prometheus-community
      name: kube-prometheus-stack
    pre_install:
      - kubectl create namespace monitoring --dry-run=client -o yaml | kubectl apply -f -
`

func newInitCommand() *cobra.Command {
	var (
		environment string
		sshKey      bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a daalu workspace",
		Long: `Initialize a workspace with a sample configuration and an empty state store.

The --ssh-key flag also generates an ed25519 deploy key for running helm on
a remote management host.`,
		Example: `  # Initialize in the current directory
  daalu init

  # Initialize for production with a deploy key
  daalu init --env prod --ssh-key -c deploy/daalu.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("config", configPath).
				Str("environment", environment).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			dir := filepath.Dir(configPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			if _, err := os.Stat(configPath); err == nil && !force {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", configPath)
			} else {
				content := fmt.Sprintf(sampleConfig, environment, config.DefaultStateDSN)
				if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", configPath)
			}

			// The DSN is relative to the working directory, like the sample config.
			store, err := stores.Open(cmd.Context(), stores.Config{
				Driver: stores.DriverSQLite,
				DSN:    config.DefaultStateDSN,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize state store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state store: %s\n", config.DefaultStateDSN)

			if sshKey {
				keyPath := filepath.Join(dir, "keys", "daalu-ed25519")
				created, err := generateDeployKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Edit %s\n", configPath)
			fmt.Fprintf(out, "  2. daalu validate\n")
			fmt.Fprintf(out, "  3. daalu plan all\n")
			fmt.Fprintf(out, "  4. daalu deploy all\n")
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "env", "e", "dev", "environment name written to the sample configuration")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 deploy key for a remote helm host")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")

	return cmd
}

// generateDeployKey writes an OpenSSH ed25519 keypair to keyPath and
// keyPath.pub. It reports false when the key already exists.
func generateDeployKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "daalu")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
