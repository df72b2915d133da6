package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cynsta/spendguard/internal/auth"
	"github.com/cynsta/spendguard/internal/pricing"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash of a hosted-mode API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var (
	signPricingKey string
	signPricingID  string
)

var signPricingCmd = &cobra.Command{
	Use:   "sign-pricing <document.json>",
	Short: "Sign a pricing document for distribution",
	Long:  "Wraps a raw pricing document in a signed envelope using a hex-encoded Ed25519 private key. With no --key, a fresh keypair is generated and the public half printed for the pricing.trust_key config field.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignPricing,
}

func init() {
	signPricingCmd.Flags().StringVar(&signPricingKey, "key", "", "hex-encoded Ed25519 private key (seed+public, 64 bytes)")
	signPricingCmd.Flags().StringVar(&signPricingID, "key-id", "k1", "key identifier embedded in the envelope")
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(signPricingCmd)
}

func runSignPricing(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	var doc pricing.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}

	var priv ed25519.PrivateKey
	if signPricingKey != "" {
		raw, err := hex.DecodeString(signPricingKey)
		if err != nil {
			return fmt.Errorf("decoding private key hex: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
		}
		priv = ed25519.PrivateKey(raw)
	} else {
		var pub ed25519.PublicKey
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generating keypair: %w", err)
		}
		fmt.Fprintf(os.Stderr, "generated keypair\n  trust_key:   %s\n  private_key: %s\n",
			hex.EncodeToString(pub), hex.EncodeToString(priv))
	}

	signed, err := pricing.SignDocument(&doc, priv, signPricingID)
	if err != nil {
		return err
	}
	fmt.Println(string(signed))
	return nil
}
