package contract

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"donationsync/internal/model"
	"donationsync/internal/syncerr"
)

// ErrUnknownTopic is returned for logs whose topic0 matches no known schema.
var ErrUnknownTopic = errors.New("unknown event topic")

// Decoder converts raw contract logs into DecodedEvents.
type Decoder struct {
	desc *Descriptor
}

// NewDecoder builds a decoder over the descriptor's event schemas.
func NewDecoder(desc *Descriptor) *Decoder {
	return &Decoder{desc: desc}
}

// Known reports whether topic0 belongs to a known schema.
func (d *Decoder) Known(topic0 common.Hash) bool {
	_, ok := d.desc.SchemaByTopic(topic0)
	return ok
}

// Decode converts a log into a DecodedEvent. BlockTimestamp is left for the
// caller to fill in.
func (d *Decoder) Decode(network string, log types.Log) (model.DecodedEvent, error) {
	if len(log.Topics) == 0 {
		return model.DecodedEvent{}, ErrUnknownTopic
	}
	schema, ok := d.desc.SchemaByTopic(log.Topics[0])
	if !ok {
		return model.DecodedEvent{}, fmt.Errorf("%w: %s", ErrUnknownTopic, log.Topics[0].Hex())
	}

	fields, err := decodeFields(schema.Event, log)
	if err != nil {
		return model.DecodedEvent{}, &syncerr.DecodeError{
			Topic:       log.Topics[0].Hex(),
			TxHash:      log.TxHash.Hex(),
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
			Err:         err,
		}
	}

	return model.DecodedEvent{
		Network:       network,
		Kind:          schema.Kind,
		SchemaVersion: schema.Version,
		BlockNumber:   log.BlockNumber,
		TxHash:        log.TxHash.Hex(),
		LogIndex:      uint64(log.Index),
		Address:       log.Address.Hex(),
		Fields:        fields,
		Raw:           &model.RawLogRef{Topic0: log.Topics[0].Hex(), Data: hexutil.Encode(log.Data)},
	}, nil
}

func decodeFields(event abi.Event, log types.Log) (map[string]interface{}, error) {
	indexed := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
	}

	raw := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(raw, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := event.Inputs.UnpackIntoMap(raw, log.Data); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
	}

	fields := make(map[string]interface{}, len(raw))
	for i, arg := range event.Inputs {
		value, ok := raw[arg.Name]
		if !ok {
			return nil, fmt.Errorf("missing argument %s", arg.Name)
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		fields[fieldName(arg.Name, i)] = normalized
	}
	return fields, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

// fieldName lower-cases the first letter so "RefundOk" and "refundOk" agree.
func fieldName(name string, position int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Sprintf("arg%d", position)
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

// FailureRecord converts a decode failure of log into its reported form.
func FailureRecord(network string, log types.Log, err error) model.DecodeError {
	record := model.DecodeError{
		Network:     network,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Error:       err.Error(),
	}
	var decodeErr *syncerr.DecodeError
	if errors.As(err, &decodeErr) {
		record.Topic0 = decodeErr.Topic
	} else if len(log.Topics) > 0 {
		record.Topic0 = log.Topics[0].Hex()
	}
	return record
}
