package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mixer-backend/anonymizer"
	"mixer-backend/models"
	"mixer-backend/storage"
)

const (
	DefaultValidity  = 2 * time.Hour
	DefaultMinChange = uint64(1_000_000)
)

type DevnetConfig struct {
	// StatePath is the JSON file holding UTXOs and blocks. Empty keeps the
	// devnet in memory.
	StatePath     string
	Validity      time.Duration
	// MinChange is the change input selection aims to leave each
	// participant. A participant holding less still mixes, with smaller
	// or no change.
	MinChange     uint64
	Difficulty    uint8
	FaucetEnabled bool
	Now           func() time.Time
}

type UTXO struct {
	Input
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type devnetState struct {
	UTXOs  []UTXO   `json:"utxos"`
	Blocks []*Block `json:"blocks"`
}

// Devnet is a single-node UTXO ledger. It builds mixing transactions,
// validates witnesses with secp256k1 signatures and applies submitted
// transactions to its UTXO set.
type Devnet struct {
	cfg             DevnetConfig
	params          models.ProtocolParameters
	operatorKey     *ecdsa.PrivateKey
	operatorAddress string
	anonymizer      *anonymizer.Anonymizer
	log             zerolog.Logger

	mu    sync.RWMutex
	utxos map[Input]UTXO
	chain []*Block
}

var (
	_ TransactionBuilder = (*Devnet)(nil)
	_ Crypto             = (*Devnet)(nil)
	_ BalanceOracle      = (*Devnet)(nil)
)

func NewDevnet(cfg DevnetConfig, params models.ProtocolParameters, operatorKey *ecdsa.PrivateKey, log zerolog.Logger) (*Devnet, error) {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.MinChange == 0 {
		cfg.MinChange = DefaultMinChange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Devnet{
		cfg:             cfg,
		params:          params,
		operatorKey:     operatorKey,
		operatorAddress: WalletFromKey(operatorKey, "").Address,
		anonymizer:      anonymizer.New(),
		log:             log.With().Str("component", "devnet").Logger(),
		utxos:           make(map[Input]UTXO),
	}

	if err := d.load(); err != nil {
		return nil, err
	}
	if len(d.chain) == 0 {
		d.chain = append(d.chain, NewBlock(0, cfg.Now(), "", []byte("genesis"), nil, cfg.Difficulty))
		if err := d.save(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Devnet) OperatorAddress() string {
	return d.operatorAddress
}

func (d *Devnet) load() error {
	if d.cfg.StatePath == "" {
		return nil
	}

	var state devnetState
	err := storage.ReadJSONFile(d.cfg.StatePath, &state)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load devnet state: %w", err)
	}
	if err := ValidateChain(state.Blocks); err != nil {
		return fmt.Errorf("devnet chain is corrupt: %w", err)
	}

	for _, u := range state.UTXOs {
		d.utxos[u.Input] = u
	}
	d.chain = state.Blocks
	d.log.Info().Int("utxos", len(d.utxos)).Int("blocks", len(d.chain)).Msg("loaded devnet state")
	return nil
}

// save writes the current state. The caller holds the write lock or is the
// constructor.
func (d *Devnet) save() error {
	if d.cfg.StatePath == "" {
		return nil
	}

	state := devnetState{Blocks: d.chain, UTXOs: make([]UTXO, 0, len(d.utxos))}
	for _, u := range d.utxos {
		state.UTXOs = append(state.UTXOs, u)
	}
	sortUTXOs(state.UTXOs)
	return storage.WriteJSONFile(d.cfg.StatePath, state)
}

func sortUTXOs(utxos []UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Index < utxos[j].Index
	})
}

// UTXOs returns the unspent outputs held by address in a stable order.
func (d *Devnet) UTXOs(address string) []UTXO {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.utxosOf(address)
}

func (d *Devnet) utxosOf(address string) []UTXO {
	var owned []UTXO
	for _, u := range d.utxos {
		if u.Address == address {
			owned = append(owned, u)
		}
	}
	sortUTXOs(owned)
	return owned
}

// Chain returns a copy of the block list.
func (d *Devnet) Chain() []*Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Block(nil), d.chain...)
}

func (d *Devnet) Balance(ctx context.Context, address string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := DecodeAddress(address); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var total uint64
	for _, u := range d.utxosOf(address) {
		total += u.Amount
	}
	return total, nil
}

// selectInputs picks the oldest UTXOs of address until they cover need.
func (d *Devnet) selectInputs(address string, need uint64) ([]UTXO, uint64) {
	var (
		selected []UTXO
		total    uint64
	)
	for _, u := range d.utxosOf(address) {
		if total >= need {
			break
		}
		selected = append(selected, u)
		total += u.Amount
	}
	return selected, total
}

// Build creates the mixing transaction of participants. Each participant
// pays the uniform value to their recipient and the operator fee, keeping
// the rest as change; no change output is created when nothing is left.
// The operator receives every fee in one output.
func (d *Devnet) Build(ctx context.Context, participants []models.Participant) (*BuiltTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		uniform = d.params.UniformOutputValue
		fee     = d.params.OperatorFee
		need    = uniform + fee
		inputs  []Input
		outputs []Output
		signers = make([]string, 0, len(participants)+1)
	)

	for _, p := range participants {
		details, err := DecodeAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.Address, err)
		}
		if _, err := DecodeAddress(p.RecipientAddress); err != nil {
			return nil, fmt.Errorf("recipient of %s: %w", p.Address, err)
		}

		selected, total := d.selectInputs(p.Address, need+d.cfg.MinChange)
		if total < need {
			return nil, fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, p.Address, total, need)
		}
		for _, u := range selected {
			inputs = append(inputs, u.Input)
		}
		outputs = append(outputs, Output{Address: p.RecipientAddress, Amount: uniform})
		if change := total - need; change > 0 {
			outputs = append(outputs, Output{Address: p.Address, Amount: change})
		}
		signers = append(signers, details.PaymentCredential)
	}

	outputs = append(outputs, Output{Address: d.operatorAddress, Amount: fee * uint64(len(participants))})
	outputs, err := anonymizer.Shuffle(d.anonymizer, outputs)
	if err != nil {
		return nil, fmt.Errorf("could not shuffle outputs: %w", err)
	}
	signers = append(signers, cryptoService.Credential(&d.operatorKey.PublicKey))

	validTo := d.cfg.Now().Add(d.cfg.Validity).Truncate(time.Second)
	blob, err := encode(TransactionBody{
		Inputs:          inputs,
		Outputs:         outputs,
		RequiredSigners: signers,
		ValidTo:         validTo.Unix(),
		Nonce:           uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode transaction: %w", err)
	}

	return &BuiltTransaction{
		Blob:      blob,
		Hash:      hashHex(cryptoService.Keccak256(blob)),
		ExpiresAt: validTo,
	}, nil
}

func (d *Devnet) Assemble(ctx context.Context, blob []byte, witnesses [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := DecodeBody(blob); err != nil {
		return nil, err
	}
	return encode(SignedTransaction{Body: blob, Witnesses: witnesses})
}

// Submit validates a signed transaction against the current UTXO set and
// applies it. The transaction hash doubles as the confirmation id.
func (d *Devnet) Submit(ctx context.Context, signed []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tx, err := decodeSigned(signed)
	if err != nil {
		return "", err
	}
	body, err := DecodeBody(tx.Body)
	if err != nil {
		return "", err
	}
	if d.cfg.Now().Unix() >= body.ValidTo {
		return "", ErrExpired
	}

	hash := cryptoService.Keccak256(tx.Body)
	signedBy := make(map[string]bool, len(tx.Witnesses))
	for i, w := range tx.Witnesses {
		signer, err := d.DecodeWitnessSigner(w)
		if err != nil {
			return "", fmt.Errorf("witness %d: %w", i, err)
		}
		if !d.VerifyWitness(w, hashHex(hash)) {
			return "", fmt.Errorf("witness %d from %s: %w", i, signer, ErrInvalidWitness)
		}
		signedBy[signer] = true
	}
	for _, s := range body.RequiredSigners {
		if !signedBy[s] {
			return "", fmt.Errorf("%w: %s", ErrMissingWitness, s)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var in, out uint64
	seen := make(map[Input]bool, len(body.Inputs))
	for _, input := range body.Inputs {
		if seen[input] {
			return "", fmt.Errorf("%w: input %s listed twice", ErrMalformed, input)
		}
		seen[input] = true

		u, ok := d.utxos[input]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrInputSpent, input)
		}
		owner, err := DecodeAddress(u.Address)
		if err != nil {
			return "", err
		}
		if !signedBy[owner.PaymentCredential] {
			return "", fmt.Errorf("%w: %s", ErrUnauthorizedSpend, input)
		}
		in += u.Amount
	}
	for _, o := range body.Outputs {
		if _, err := DecodeAddress(o.Address); err != nil {
			return "", fmt.Errorf("output to %s: %w", o.Address, err)
		}
		out += o.Amount
	}
	if in != out {
		return "", fmt.Errorf("%w: in %d, out %d", ErrUnbalanced, in, out)
	}

	txID := hashHex(hash)
	for _, input := range body.Inputs {
		delete(d.utxos, input)
	}
	for i, o := range body.Outputs {
		input := Input{TxID: txID, Index: uint32(i)}
		d.utxos[input] = UTXO{Input: input, Address: o.Address, Amount: o.Amount}
	}
	d.appendBlock(txID, tx.Body)

	d.log.Info().
		Str("tx", txID).
		Int("inputs", len(body.Inputs)).
		Int("outputs", len(body.Outputs)).
		Msg("applied transaction")
	return txID, nil
}

// Faucet credits address with a new UTXO of amount.
func (d *Devnet) Faucet(ctx context.Context, address string, amount uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !d.cfg.FaucetEnabled {
		return "", ErrFaucetDisabled
	}
	if amount == 0 {
		return "", ErrInvalidFaucetValue
	}
	if _, err := DecodeAddress(address); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	txID := hashHex(cryptoService.Keccak256([]byte("faucet:" + uuid.NewString())))
	input := Input{TxID: txID, Index: 0}
	d.utxos[input] = UTXO{Input: input, Address: address, Amount: amount}
	d.appendBlock(txID, []byte(address))

	d.log.Info().Str("address", address).Uint64("amount", amount).Str("tx", txID).Msg("faucet payout")
	return txID, nil
}

// Transfer spends the UTXOs of from to pay amount to the to address. It
// returns the confirmation id of the transfer.
func (d *Devnet) Transfer(ctx context.Context, from *Wallet, to string, amount uint64) (string, error) {
	d.mu.RLock()
	selected, total := d.selectInputs(from.Address, amount)
	d.mu.RUnlock()
	if total < amount {
		return "", fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from.Address, total, amount)
	}

	body := TransactionBody{
		Outputs:         []Output{{Address: to, Amount: amount}},
		RequiredSigners: []string{from.Credential()},
		ValidTo:         d.cfg.Now().Add(d.cfg.Validity).Unix(),
		Nonce:           uuid.NewString(),
	}
	for _, u := range selected {
		body.Inputs = append(body.Inputs, u.Input)
	}
	if change := total - amount; change > 0 {
		body.Outputs = append(body.Outputs, Output{Address: from.Address, Amount: change})
	}

	blob, err := encode(body)
	if err != nil {
		return "", fmt.Errorf("could not encode transfer: %w", err)
	}
	witness, err := from.SignTransaction(blob)
	if err != nil {
		return "", err
	}
	signed, err := d.Assemble(ctx, blob, [][]byte{witness})
	if err != nil {
		return "", err
	}
	return d.Submit(ctx, signed)
}

// appendBlock records txID on the chain and persists the state. The caller
// holds the write lock.
func (d *Devnet) appendBlock(txID string, data []byte) {
	prev := d.chain[len(d.chain)-1]
	at := d.cfg.Now()
	if at.UnixNano() < prev.Timestamp {
		at = time.Unix(0, prev.Timestamp)
	}
	d.chain = append(d.chain, NewBlock(prev.Index+1, at, txID, data, prev.Hash, d.cfg.Difficulty))

	// on failure the file lags behind memory until the next save
	if err := d.save(); err != nil {
		d.log.Error().Err(err).Str("tx", txID).Msg("failed to persist devnet state")
	}
}

func (d *Devnet) VerifySignedMessage(credential string, payload []byte, signed models.SignedMessage) bool {
	signer, err := cryptoService.OpenSignedMessage(payload, signed)
	return err == nil && signer == credential
}

func (d *Devnet) DecodeAddress(address string) (*AddressDetails, error) {
	return DecodeAddress(address)
}

func (d *Devnet) DecodeWitnessSigner(blob []byte) (string, error) {
	w, err := decodeWitness(blob)
	if err != nil {
		return "", err
	}
	pub, err := cryptoService.UnmarshalPublicKey(w.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWitness, err)
	}
	return cryptoService.Credential(pub), nil
}

func (d *Devnet) VerifyWitness(blob []byte, txHash string) bool {
	hash, err := hex.DecodeString(txHash)
	if err != nil {
		return false
	}
	w, err := decodeWitness(blob)
	if err != nil {
		return false
	}
	pub, err := cryptoService.UnmarshalPublicKey(w.Key)
	if err != nil {
		return false
	}
	return cryptoService.VerifyHash(hash, w.Signature, pub)
}

func (d *Devnet) HashTransaction(blob []byte) (string, error) {
	if _, err := DecodeBody(blob); err != nil {
		return "", err
	}
	return hashHex(cryptoService.Keccak256(blob)), nil
}

func (d *Devnet) OperatorWitness(blob []byte) ([]byte, error) {
	return SignTransaction(d.operatorKey, blob)
}
