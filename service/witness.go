package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mixer-backend/ledger"
	"mixer-backend/models"
	"mixer-backend/storage"
)

// WitnessResult reports an accepted witness and the finalization attempt
// that followed it.
type WitnessResult struct {
	CeremonyID    string          `json:"ceremony_id"`
	Signer        string          `json:"signer"`
	Finalize      *FinalizeResult `json:"finalize,omitempty"`
	FinalizeError string          `json:"finalize_error,omitempty"`
}

// WitnessCollector validates signatures submitted by participants and
// appends them to their ceremony.
type WitnessCollector struct {
	stores  *Stores
	crypto  ledger.Crypto
	manager *CeremonyManager
	metrics *MetricsCollector
	log     zerolog.Logger
}

func NewWitnessCollector(stores *Stores, crypto ledger.Crypto, manager *CeremonyManager, metrics *MetricsCollector, log zerolog.Logger) *WitnessCollector {
	return &WitnessCollector{
		stores:  stores,
		crypto:  crypto,
		manager: manager,
		metrics: metrics,
		log:     log.With().Str("component", "witness").Logger(),
	}
}

// SubmitWitness records blob as the witness of its signer in ceremony
// ceremonyID and then tries to finalize the ceremony.
func (wc *WitnessCollector) SubmitWitness(ctx context.Context, ceremonyID string, blob []byte) (*WitnessResult, error) {
	defer wc.metrics.ObserveDuration("witness", time.Now())

	var signer string
	err := wc.manager.withRetry(ctx, func(ctx context.Context) error {
		stored, err := wc.manager.getCeremony(ctx, ceremonyID)
		if err != nil {
			return err
		}
		signer, err = wc.validate(&stored.Ceremony, blob)
		if err != nil {
			return err
		}

		updated := stored.Ceremony
		updated.Witnesses = append(append([]models.Witness(nil), stored.Ceremony.Witnesses...), models.Witness{
			SignerCredential: signer,
			Blob:             blob,
		})

		c := storage.NewCommit()
		if err := wc.stores.Ceremonies.StageUpdate(c, *stored, updated); err != nil {
			return internalError("could not stage witness: %w", err)
		}
		return wc.manager.commit(ctx, c)
	})
	wc.metrics.RecordWitness(err)
	if err != nil {
		wc.log.Debug().Err(err).Str("ceremony", ceremonyID).Msg("witness rejected")
		return nil, err
	}
	wc.log.Info().Str("ceremony", ceremonyID).Str("signer", signer).Msg("witness accepted")

	result := &WitnessResult{CeremonyID: ceremonyID, Signer: signer}
	finalized, err := wc.manager.TryFinalizeCeremony(ctx, ceremonyID)
	if err != nil {
		wc.log.Error().Err(err).Str("ceremony", ceremonyID).Msg("finalization after witness failed")
		result.FinalizeError = err.Error()
		return result, nil
	}
	result.Finalize = finalized
	return result, nil
}

// validate runs the witness checks in order and returns the signer.
func (wc *WitnessCollector) validate(ceremony *models.Ceremony, blob []byte) (string, error) {
	// 1. The witness must name its signer
	signer, err := wc.crypto.DecodeWitnessSigner(blob)
	if err != nil {
		return "", ErrInvalidWitness.With(err)
	}

	// 2. Only participants sign; the operator witness is recorded at formation
	if _, ok := ceremony.ParticipantByCredential(signer); !ok {
		return "", ErrUnexpectedSigner.Withf("%s", signer)
	}

	// 3. One witness per signer
	if ceremony.HasWitnessFrom(signer) {
		return "", ErrDuplicateWitness.Withf("%s", signer)
	}

	// 4. The signature must cover this ceremony's transaction
	if !wc.crypto.VerifyWitness(blob, ceremony.TransactionHash) {
		return "", ErrSignatureMismatch.Withf("%s", signer)
	}

	return signer, nil
}
