package models

// SignupContext must be the context of every signup payload. Binding it into
// the signed statement keeps a signature from being replayed elsewhere.
const SignupContext = "By signing this message, you express your intention to participate in a Turn Mixing Ceremony. A transaction will be created, and you will be asked to sign it. Failure to do so will result in your wallet being blacklisted from the Turn service. By signing this message, you also confirm that you have backed up the private key of the receiving address."

const (
	ReasonFailedToSign      = "failed to sign"
	ReasonExpired           = "expired before all participants signed"
	ReasonSubmissionFailed  = "submission failed"
	ReasonAdminCancellation = "cancelled by operator"
)

type ProtocolParameters struct {
	MinParticipants    int    `json:"min_participants"`
	OperatorFee        uint64 `json:"operator_fee"`
	UniformOutputValue uint64 `json:"uniform_output_value"`
}

// RequiredBalance is the smallest balance that can cover one participant's
// share of a ceremony.
func (p ProtocolParameters) RequiredBalance() uint64 {
	return p.UniformOutputValue + p.OperatorFee
}
