package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mixer-backend/api"
	"mixer-backend/encryption"
	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/service"
)

var (
	flagKeyFile   string
	flagStake     bool
	flagAction    string
	flagTarget    string
	flagReason    string
	flagRecipient string
	flagTx        string
)

type keygenOutput struct {
	Address    string `json:"address"`
	Credential string `json:"credential"`
	PublicKey  string `json:"public_key"`
	KeyFile    string `json:"key_file,omitempty"`
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a key and print its address; --key also saves it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := encryption.NewCryptoService().GenerateKeyPair()
		if err != nil {
			return err
		}
		wallet := walletFor(key)
		if flagKeyFile != "" {
			if err := encryption.WriteKey(flagKeyFile, wallet.Key); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), keygenOutput{
			Address:    wallet.Address,
			Credential: wallet.Credential(),
			PublicKey:  encryption.EncodePublicKey(&wallet.Key.PublicKey),
			KeyFile:    flagKeyFile,
		})
	},
}

var signAdminCmd = &cobra.Command{
	Use:   "sign-admin",
	Short: "Print a signed admin request body for --action reset, remove_blacklist or cancel_ceremony",
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch action := service.AdminAction(flagAction); action {
		case service.AdminReset, service.AdminRemoveBlacklist, service.AdminCancelCeremony:
		default:
			return fmt.Errorf("unknown admin action %q", action)
		}
		wallet, err := loadWallet()
		if err != nil {
			return err
		}
		return printSigned(cmd, wallet, service.AdminPayload{
			Action:    service.AdminAction(flagAction),
			Timestamp: time.Now().UnixMilli(),
			Target:    flagTarget,
			Reason:    flagReason,
		})
	},
}

var signSignupCmd = &cobra.Command{
	Use:   "sign-signup",
	Short: "Print a signed signup request body for the key's address",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := ledger.DecodeAddress(flagRecipient); err != nil {
			return fmt.Errorf("invalid --recipient: %w", err)
		}
		wallet, err := loadWallet()
		if err != nil {
			return err
		}
		return printSigned(cmd, wallet, models.SignupPayload{
			Address:          wallet.Address,
			RecipientAddress: flagRecipient,
			Context:          models.SignupContext,
			SignupTimestamp:  time.Now().UnixMilli(),
		})
	},
}

var signTxCmd = &cobra.Command{
	Use:   "sign-tx",
	Short: "Print the hex witness of the key over a hex ceremony transaction",
	RunE: func(cmd *cobra.Command, _ []string) error {
		blob, err := hex.DecodeString(flagTx)
		if err != nil {
			return fmt.Errorf("invalid --tx: %w", err)
		}
		wallet, err := loadWallet()
		if err != nil {
			return err
		}
		witness, err := wallet.SignTransaction(blob)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(witness))
		return nil
	},
}

func loadWallet() (*ledger.Wallet, error) {
	key, err := encryption.ReadKey(flagKeyFile)
	if err != nil {
		return nil, err
	}
	return walletFor(key), nil
}

// walletFor derives the address of key. With --stake the key doubles as
// its own stake key.
func walletFor(key *ecdsa.PrivateKey) *ledger.Wallet {
	stake := ""
	if flagStake {
		stake = encryption.NewCryptoService().Credential(&key.PublicKey)
	}
	return ledger.WalletFromKey(key, stake)
}

func printSigned(cmd *cobra.Command, wallet *ledger.Wallet, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sig, err := wallet.SignMessage(raw)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), api.SignedRequest{Payload: string(raw), Signature: sig})
}

func init() {
	for _, cmd := range []*cobra.Command{keygenCmd, signAdminCmd, signSignupCmd, signTxCmd} {
		cmd.Flags().StringVar(&flagKeyFile, "key", "", "key file")
		cmd.Flags().BoolVar(&flagStake, "stake", false, "use an address with a stake credential")
	}
	for _, cmd := range []*cobra.Command{signAdminCmd, signSignupCmd, signTxCmd} {
		_ = cmd.MarkFlagRequired("key")
	}

	signAdminCmd.Flags().StringVar(&flagAction, "action", "", "admin action")
	signAdminCmd.Flags().StringVar(&flagTarget, "target", "", "credential or ceremony id the action applies to")
	signAdminCmd.Flags().StringVar(&flagReason, "reason", "", "cancellation reason")
	signSignupCmd.Flags().StringVar(&flagRecipient, "recipient", "", "address receiving the mixed output")
	signTxCmd.Flags().StringVar(&flagTx, "tx", "", "hex ceremony transaction")

	rootCmd.AddCommand(keygenCmd, signAdminCmd, signSignupCmd, signTxCmd)
}
