package event

import "github.com/google/uuid"

// Broker topics.
const (
	TopicDebitRequested       = "wallet.debit.requested"
	TopicDebitSettled         = "wallet.debit.settled"
	TopicDebitRejected        = "wallet.debit.rejected"
	TopicCreditRequested      = "wallet.credit.requested"
	TopicCreditSettled        = "wallet.credit.settled"
	TopicCreditRejected       = "wallet.credit.rejected"
	TopicReversalRequested    = "wallet.reversal.requested"
	TopicReversalSettled      = "wallet.reversal.settled"
	TopicTransactionFinalized = "transaction.finalized"
)

var topics = map[Type]string{
	TypeDebitRequested:       TopicDebitRequested,
	TypeDebitSettled:         TopicDebitSettled,
	TypeDebitRejected:        TopicDebitRejected,
	TypeCreditRequested:      TopicCreditRequested,
	TypeCreditSettled:        TopicCreditSettled,
	TypeCreditRejected:       TopicCreditRejected,
	TypeReversalRequested:    TopicReversalRequested,
	TypeReversalSettled:      TopicReversalSettled,
	TypeTransactionFinalized: TopicTransactionFinalized,
}

// Topic returns the topic events of type t are published to.
func (t Type) Topic() string {
	return topics[t]
}

// WalletCommandTopics are consumed by the wallet-service.
var WalletCommandTopics = []string{
	TopicDebitRequested,
	TopicCreditRequested,
	TopicReversalRequested,
}

// OrchestratorTopics are consumed by the transaction-service. The orchestrator
// also reads its own DebitRequested to observe that the command left the outbox.
var OrchestratorTopics = []string{
	TopicDebitRequested,
	TopicDebitSettled,
	TopicDebitRejected,
	TopicCreditSettled,
	TopicCreditRejected,
	TopicReversalSettled,
}

// PartitionKey returns the key that pins e to a partition: the account id for
// wallet topics, the transaction id otherwise.
func PartitionKey(e Envelope) string {
	switch p := e.Payload.(type) {
	case DebitRequested:
		return p.AccountID
	case CreditRequested:
		return p.AccountID
	case ReversalRequested:
		return p.AccountID
	case DebitSettled:
		return p.AccountID
	case DebitRejected:
		return p.AccountID
	case CreditSettled:
		return p.AccountID
	case CreditRejected:
		return p.AccountID
	case ReversalSettled:
		return p.AccountID
	}
	if id := e.TransactionID(); id != uuid.Nil {
		return id.String()
	}
	return e.AggregateID
}
