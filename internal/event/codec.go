package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Decode failures. Both are permanent: redelivering the same bytes cannot help.
var (
	ErrSchemaMismatch = errors.New("unsupported event schema version")
	ErrMalformed      = errors.New("malformed event")
)

// Envelope field numbers.
const (
	fieldVersion        protowire.Number = 1
	fieldID             protowire.Number = 2
	fieldType           protowire.Number = 3
	fieldAggregateID    protowire.Number = 4
	fieldIdempotencyKey protowire.Number = 5
	fieldOccurredAt     protowire.Number = 6
	fieldPayload        protowire.Number = 7
)

// Encode serializes e. A zero Version is written as CurrentVersion.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("encode %s: nil payload", e.ID)
	}
	version := e.Version
	if version == 0 {
		version = CurrentVersion
	}

	var b []byte
	b = appendVarint(b, fieldVersion, uint64(version))
	b = appendString(b, fieldID, e.ID.String())
	b = appendVarint(b, fieldType, uint64(e.Payload.Type()))
	b = appendString(b, fieldAggregateID, e.AggregateID)
	b = appendString(b, fieldIdempotencyKey, e.IdempotencyKey)
	b = appendString(b, fieldOccurredAt, formatTime(e.OccurredAt))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload.appendTo(nil))
	b = append(b, e.unknown...)
	return b, nil
}

// Decode parses an envelope. Versions outside [MinVersion, CurrentVersion]
// fail with ErrSchemaMismatch. Fields this build does not know are kept and
// written back by Encode.
func Decode(data []byte) (Envelope, error) {
	var (
		e        Envelope
		version  uint64
		tag      uint64
		id       string
		occurred string
		payload  []byte
	)
	unknown, err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldVersion:
			return readVarint(typ, b, &version)
		case fieldID:
			return readString(typ, b, &id)
		case fieldType:
			return readVarint(typ, b, &tag)
		case fieldAggregateID:
			return readString(typ, b, &e.AggregateID)
		case fieldIdempotencyKey:
			return readString(typ, b, &e.IdempotencyKey)
		case fieldOccurredAt:
			return readString(typ, b, &occurred)
		case fieldPayload:
			return readBytes(typ, b, &payload)
		}
		return 0, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	e.unknown = unknown

	if version < MinVersion || version > CurrentVersion {
		return Envelope{}, fmt.Errorf("%w: got v%d, supported v%d..v%d",
			ErrSchemaMismatch, version, MinVersion, CurrentVersion)
	}
	e.Version = int(version)

	if e.ID, err = uuid.Parse(id); err != nil {
		return Envelope{}, fmt.Errorf("%w: event id %q: %v", ErrMalformed, id, err)
	}
	if occurred != "" {
		if e.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
			return Envelope{}, fmt.Errorf("%w: occurred_at %q: %v", ErrMalformed, occurred, err)
		}
	}

	e.Payload, err = decodePayload(Type(tag), payload)
	if err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func decodePayload(t Type, b []byte) (Payload, error) {
	switch t {
	case TypeDebitRequested, TypeCreditRequested, TypeReversalRequested:
		var c Command
		if err := c.decode(b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		switch t {
		case TypeDebitRequested:
			return DebitRequested{c}, nil
		case TypeCreditRequested:
			return CreditRequested{c}, nil
		}
		return ReversalRequested{c}, nil

	case TypeDebitSettled, TypeDebitRejected, TypeCreditSettled, TypeCreditRejected, TypeReversalSettled:
		var r Result
		if err := r.decode(b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		switch t {
		case TypeDebitSettled:
			return DebitSettled{r}, nil
		case TypeDebitRejected:
			return DebitRejected{r}, nil
		case TypeCreditSettled:
			return CreditSettled{r}, nil
		case TypeCreditRejected:
			return CreditRejected{r}, nil
		}
		return ReversalSettled{r}, nil

	case TypeTransactionFinalized:
		var f TransactionFinalized
		if err := f.decode(b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		return f, nil
	}
	return Unknown{Tag: t, Raw: append([]byte(nil), b...)}, nil
}

func (c Command) appendTo(b []byte) []byte {
	b = appendString(b, 1, c.TransactionID.String())
	b = appendString(b, 2, c.AccountID)
	b = appendString(b, 3, c.CounterpartyID)
	b = appendFixed64(b, 4, c.Amount)
	b = appendString(b, 5, c.Currency)
	b = appendString(b, 6, c.Reason)
	return append(b, c.unknown...)
}

func (c *Command) decode(data []byte) error {
	var txID string
	var amount uint64
	unknown, err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &txID)
		case 2:
			return readString(typ, b, &c.AccountID)
		case 3:
			return readString(typ, b, &c.CounterpartyID)
		case 4:
			return readFixed64(typ, b, &amount)
		case 5:
			return readString(typ, b, &c.Currency)
		case 6:
			return readString(typ, b, &c.Reason)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	c.unknown = unknown
	c.Amount = int64(amount)
	c.TransactionID, err = parseUUID(txID)
	return err
}

func (r Result) appendTo(b []byte) []byte {
	b = appendString(b, 1, r.TransactionID.String())
	b = appendString(b, 2, r.AccountID)
	b = appendFixed64(b, 3, r.Amount)
	b = appendString(b, 4, r.Currency)
	if r.EntryID != uuid.Nil {
		b = appendString(b, 5, r.EntryID.String())
	}
	b = appendFixed64(b, 6, r.BalanceAfter)
	b = appendVarint(b, 7, uint64(r.Sequence))
	b = appendString(b, 8, r.Code)
	b = appendString(b, 9, r.Reason)
	return append(b, r.unknown...)
}

func (r *Result) decode(data []byte) error {
	var txID, entryID string
	var amount, balance, seq uint64
	unknown, err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &txID)
		case 2:
			return readString(typ, b, &r.AccountID)
		case 3:
			return readFixed64(typ, b, &amount)
		case 4:
			return readString(typ, b, &r.Currency)
		case 5:
			return readString(typ, b, &entryID)
		case 6:
			return readFixed64(typ, b, &balance)
		case 7:
			return readVarint(typ, b, &seq)
		case 8:
			return readString(typ, b, &r.Code)
		case 9:
			return readString(typ, b, &r.Reason)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	r.unknown = unknown
	r.Amount = int64(amount)
	r.BalanceAfter = int64(balance)
	r.Sequence = int64(seq)
	if r.TransactionID, err = parseUUID(txID); err != nil {
		return err
	}
	if entryID != "" {
		r.EntryID, err = parseUUID(entryID)
	}
	return err
}

func (f TransactionFinalized) appendTo(b []byte) []byte {
	b = appendString(b, 1, f.TransactionID.String())
	b = appendString(b, 2, f.State)
	b = appendString(b, 3, f.SourceAccount)
	b = appendString(b, 4, f.DestAccount)
	b = appendFixed64(b, 5, f.Amount)
	b = appendString(b, 6, f.Currency)
	b = appendString(b, 7, f.Reason)
	return append(b, f.unknown...)
}

func (f *TransactionFinalized) decode(data []byte) error {
	var txID string
	var amount uint64
	unknown, err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &txID)
		case 2:
			return readString(typ, b, &f.State)
		case 3:
			return readString(typ, b, &f.SourceAccount)
		case 4:
			return readString(typ, b, &f.DestAccount)
		case 5:
			return readFixed64(typ, b, &amount)
		case 6:
			return readString(typ, b, &f.Currency)
		case 7:
			return readString(typ, b, &f.Reason)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	f.unknown = unknown
	f.Amount = int64(amount)
	f.TransactionID, err = parseUUID(txID)
	return err
}

// walk iterates the fields of a message. visit returns the number of value
// bytes it consumed, or 0 to leave the field to walk, which skips it and
// collects its raw bytes into the returned unknown slice.
func walk(data []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) ([]byte, error) {
	var unknown []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		tag := data[:n]
		data = data[n:]

		m, err := visit(num, typ, data)
		if err != nil {
			return nil, err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			unknown = append(unknown, tag...)
			unknown = append(unknown, data[:m]...)
		}
		data = data[m:]
	}
	return unknown, nil
}

// The read helpers return 0 for a known field number carrying an unexpected
// wire type, which leaves the field to walk as unknown.
func readVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func readFixed64(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, nil
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func readString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func readBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: missing transaction id", ErrMalformed)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return id, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// IsPermanent reports whether a decode error can never be fixed by redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrMalformed)
}
