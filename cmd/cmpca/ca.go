package main

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cmp-ca/internal/api"
	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "CA key and certificate management",
	}
	cmd.AddCommand(newCAInitCmd())
	cmd.AddCommand(newCAListCmd())
	return cmd
}

func newCAListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured CAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := api.LoadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tNAME\tVALIDITY MODE\tPROFILES")
			for _, cc := range cfg.CAs {
				mode := cc.ValidityMode
				if mode == "" {
					mode = "cutoff"
				}
				profiles := cc.ProfilesDir
				if profiles == "" {
					profiles = "(embedded defaults)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cc.Alias, cc.Name, mode, profiles)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "cmpca.yaml", "configuration file")
	return cmd
}

func newCAInitCmd() *cobra.Command {
	var (
		commonName    string
		org           string
		algorithm     string
		years         int
		certOut       string
		keyOut        string
		passphraseEnv string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a self-signed CA certificate and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			alg := pkicrypto.AlgorithmID(algorithm)
			if !alg.IsValid() {
				return fmt.Errorf("unsupported algorithm %q", algorithm)
			}

			signer, err := pkicrypto.GenerateSoftwareSigner(alg)
			if err != nil {
				return fmt.Errorf("key generation failed: %w", err)
			}

			serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			template := &x509.Certificate{
				SerialNumber: serial,
				Subject: pkix.Name{
					CommonName:   commonName,
					Organization: []string{org},
				},
				NotBefore:             now.Add(-5 * time.Minute),
				NotAfter:              now.AddDate(years, 0, 0),
				KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
				BasicConstraintsValid: true,
				IsCA:                  true,
			}

			der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
			if err != nil {
				return fmt.Errorf("self-signing failed: %w", err)
			}

			passphrase := []byte(os.Getenv(passphraseEnv))
			if len(passphrase) == 0 {
				return fmt.Errorf("environment variable %s must hold the key passphrase", passphraseEnv)
			}
			if err := signer.SavePrivateKey(keyOut, passphrase); err != nil {
				return fmt.Errorf("failed to save key: %w", err)
			}

			certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
			if err := os.WriteFile(certOut, certPEM, 0644); err != nil {
				return fmt.Errorf("failed to write certificate: %w", err)
			}

			fmt.Printf("CA created\n  certificate: %s\n  key:         %s\n  algorithm:   %s\n", certOut, keyOut, alg)
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "CA common name (required)")
	cmd.Flags().StringVar(&org, "org", "", "organization")
	cmd.Flags().StringVar(&algorithm, "algorithm", string(pkicrypto.AlgECDSAP256), "key algorithm")
	cmd.Flags().IntVar(&years, "years", 10, "validity in years")
	cmd.Flags().StringVar(&certOut, "cert-out", "ca.crt", "certificate output path")
	cmd.Flags().StringVar(&keyOut, "key-out", "ca.key", "key output path")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "CMPCA_KEY_PASSPHRASE", "environment variable holding the key passphrase")
	cmd.MarkFlagRequired("cn")
	return cmd
}
